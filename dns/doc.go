// Copyright 2024 Jigsaw Operations LLC
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
Package dns resolves host names without trusting the local network's resolver.

The [Domain Name System] (DNS) is responsible for mapping domain names to IP addresses.
Because domain resolution gatekeeps connections and is predominantly done in plaintext, it is [commonly used
for network-level filtering].

# Resolution

The [Resolver] looks up the IPv6 and IPv4 addresses of a host in parallel and keeps the answers,
including negative ones, in a bounded [Cache] until their TTL expires. Lookups are dispatched to a
[Transport] chosen by mode:

  - "plain": the resolvers configured in the operating system, queried in plaintext.
  - "dot": [DNS-over-TLS] (DoT). The server certificate is validated as usual, or, when only a pin is
    configured, by comparing the SHA-256 digest of its public key with the pin.

# Wire format

[EncodeQuestion] and [DecodeAnswer] implement the [DNS-over-TCP] framing of a single-question
message: a 2-byte length prefix followed by the message. [DecodeAnswer] validates every header field
it depends on and reports each violation with a distinct error type, so that a corrupted or spoofed
response can be told apart from a legitimate negative answer.

[Domain Name System]: https://datatracker.ietf.org/doc/html/rfc1034
[commonly used for network-level filtering]: https://datatracker.ietf.org/doc/html/rfc9505#section-5.1.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
[DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
*/
package dns
