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

package tlsfrag

import (
	"encoding/binary"
	"fmt"
)

// TLS record layout from [RFC 8446]:
//
//	+-------------+ 0
//	| RecordType  |
//	+-------------+ 1
//	|  Protocol   |
//	|  Version    |
//	+-------------+ 3
//	|   Record    |
//	|   Length    |
//	+-------------+ 5
//	|   Message   |
//	|    Data     |
//	|     ...     |
//	+-------------+ Message Length + 5
//
//	RecordType := invalid(0) | handshake(22) | application_data(23) | ...
//	LegacyRecordVersion := 0x0301 ("TLS 1.0") | 0x0302 ("TLS 1.1") | 0x0303 ("TLS 1.2")
//	0 < Message Length (of handshake)        ≤ 2^14
//
// [RFC 8446]: https://datatracker.ietf.org/doc/html/rfc8446#section-5.1
const (
	recordHeaderLen     = 5
	maxRecordPayloadLen = 1 << 14

	recordTypeHandshake byte = 22

	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// DefaultChunkSize is the payload size of the fragments when none is configured.
const DefaultChunkSize = 40

// ParseVersion maps "1.0" through "1.3" to the record version to advertise in fragments.
// "1.3" writes 0x0304 even though TLS 1.3 stacks advertise 0x0303 in their own records.
func ParseVersion(s string) (uint16, error) {
	switch s {
	case "1.0":
		return VersionTLS10, nil
	case "1.1":
		return VersionTLS11, nil
	case "1.2":
		return VersionTLS12, nil
	case "1.3":
		return VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", s)
}

func getRecordType(hdr []byte) byte {
	return hdr[0]
}

func getTLSVersion(hdr []byte) uint16 {
	return binary.BigEndian.Uint16(hdr[1:3])
}

func getMsgLen(hdr []byte) int {
	return int(binary.BigEndian.Uint16(hdr[3:5]))
}

func isValidTLSVersion(ver uint16) bool {
	return ver == VersionTLS10 || ver == VersionTLS11 || ver == VersionTLS12 || ver == VersionTLS13
}

func isValidMsgLenForHandshake(len int) bool {
	return len > 0 && len <= maxRecordPayloadLen
}

func putRecordHeader(hdr []byte, version uint16, payloadLen int) {
	hdr[0] = recordTypeHandshake
	binary.BigEndian.PutUint16(hdr[1:3], version)
	binary.BigEndian.PutUint16(hdr[3:5], uint16(payloadLen))
}
