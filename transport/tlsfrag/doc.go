// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package tlsfrag splits a [TLS Client Hello message] into multiple small [TLS records]. This technique,
known as TLS record fragmentation, spreads the server name and other sensitive fields of the handshake
across record boundaries, so middleboxes that match patterns on individual records or packets without
reassembling them fail to see them. Compliant TLS servers reassemble the records before parsing the
handshake. For a detailed explanation refer to [Circumventing the GFW with TLS Record Fragmentation].

[NewWriter] fragments the first record written through it, writing every fragment with a separate Write,
and optionally overrides the protocol version advertised in the record headers. [Fragment] does the same on
a single record in memory. [GetSNI] extracts the server name of a Client Hello.

[Circumventing the GFW with TLS Record Fragmentation]: https://upb-syssec.github.io/blog/2023/record-fragmentation/#tls-record-fragmentation
[TLS Client Hello message]: https://datatracker.ietf.org/doc/html/rfc8446#section-4.1.2
[TLS records]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
*/
package tlsfrag
