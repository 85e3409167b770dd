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

package dns

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"golang.org/x/net/dns/dnsmessage"
)

// Family is an IP address family, as used in the resolver cache keys.
type Family int

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	return "IPv" + strconv.Itoa(int(f))
}

func (f Family) recordType() dnsmessage.Type {
	if f == FamilyIPv6 {
		return dnsmessage.TypeAAAA
	}
	return dnsmessage.TypeA
}

// Answer is the outcome of a single address lookup.
type Answer struct {
	// Address is the textual IP address, or empty if the name has no record of the requested type.
	Address string
	// TTL is the number of seconds the answer can be cached for.
	TTL uint32
}

// Found reports whether the answer carries an address.
func (a Answer) Found() bool {
	return a.Address != ""
}

// minTTL is the TTL of negative answers that don't carry one.
const minTTL = 30

const (
	headerLen = 12
	// Maximum number of compression pointers followed while decoding a single name.
	maxPointerHops = 64
	maxNameLen     = 255
)

// Header flag bits, as per https://datatracker.ietf.org/doc/html/rfc1035#section-4.1.1
const (
	flagQR     = 1 << 15
	flagTC     = 1 << 9
	opcodeMask = 0xf << 11
)

// EncodeQuestion creates a DNS-over-TCP query for the A (family 4) or AAAA (family 6) records of hostname.
// The message has a random ID, only the RD flag set, and a 2-byte length prefix.
func EncodeQuestion(hostname string, family Family) ([]byte, error) {
	if !strings.HasSuffix(hostname, ".") {
		hostname += "."
	}
	name, err := dnsmessage.NewName(hostname)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	b := dnsmessage.NewBuilder(make([]byte, 2, 514), dnsmessage.Header{ID: uint16(rand.Uint32()), RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, err
	}
	if err := b.Question(dnsmessage.Question{Name: name, Type: family.recordType(), Class: dnsmessage.ClassINET}); err != nil {
		return nil, fmt.Errorf("cannot encode question: %w", err)
	}
	buf, err := b.Finish()
	if err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint16(buf[:2], uint16(len(buf)-2))
	return buf, nil
}

// DecodeAnswer decodes the DNS-over-TCP response to question, as created by [EncodeQuestion].
//
// It fails on the first of these violations: length prefix mismatch, ID mismatch, a header that is not a
// complete response to a standard query, a question count other than one, or an echoed question that
// differs from the one asked. The first A or AAAA record matching the question is returned.
// An SOA record before any match, or no match at all, yields an [Answer] without address.
func DecodeAnswer(question, answer []byte) (Answer, error) {
	if len(answer) < 2 {
		return Answer{}, &AnswerLengthError{Declared: -1, Actual: len(answer)}
	}
	if declared := int(binary.BigEndian.Uint16(answer)); declared != len(answer)-2 {
		return Answer{}, &AnswerLengthError{Declared: declared, Actual: len(answer) - 2}
	}
	if len(question) < 2+headerLen {
		return Answer{}, fmt.Errorf("invalid question: %w", ErrMalformedMessage)
	}
	question, msg := question[2:], answer[2:]
	if len(msg) < headerLen {
		return Answer{}, ErrMalformedMessage
	}

	if qid, aid := binary.BigEndian.Uint16(question), binary.BigEndian.Uint16(msg); qid != aid {
		return Answer{}, &AnswerIDError{Question: qid, Answer: aid}
	}

	flags := binary.BigEndian.Uint16(msg[2:])
	// RCODE is a 4-bit field, so it can't exceed 15.
	if flags&flagQR == 0 || flags&opcodeMask != 0 || flags&flagTC != 0 {
		return Answer{}, &AnswerFlagError{Flags: flags}
	}

	qdcount := binary.BigEndian.Uint16(msg[4:])
	ancount := binary.BigEndian.Uint16(msg[6:])
	nscount := binary.BigEndian.Uint16(msg[8:])
	arcount := binary.BigEndian.Uint16(msg[10:])
	if qdcount != 1 {
		return Answer{}, &AnswerCountError{QDCount: qdcount}
	}

	wantName, wantType, _, _, err := decodeQuestion(question, headerLen)
	if err != nil {
		return Answer{}, fmt.Errorf("invalid question: %w", err)
	}
	name, qtype, qclass, offset, err := decodeQuestion(msg, headerLen)
	if err != nil {
		return Answer{}, err
	}
	if (qtype != dnsmessage.TypeA && qtype != dnsmessage.TypeAAAA) || qclass != dnsmessage.ClassINET ||
		qtype != wantType || !strings.EqualFold(name, wantName) {
		return Answer{}, &AnswerQuestionError{Name: name, Type: qtype, Class: qclass}
	}

	for i := 0; i < int(ancount)+int(nscount)+int(arcount); i++ {
		_, n, err := decodeName(msg, offset)
		if err != nil {
			return Answer{}, err
		}
		offset += n
		if offset+10 > len(msg) {
			return Answer{}, ErrMalformedMessage
		}
		rrType := dnsmessage.Type(binary.BigEndian.Uint16(msg[offset:]))
		rrClass := dnsmessage.Class(binary.BigEndian.Uint16(msg[offset+2:]))
		ttl := binary.BigEndian.Uint32(msg[offset+4:])
		rdlength := int(binary.BigEndian.Uint16(msg[offset+8:]))
		offset += 10
		if offset+rdlength > len(msg) {
			return Answer{}, ErrMalformedMessage
		}
		rdata := msg[offset : offset+rdlength]
		offset += rdlength

		if rrClass != dnsmessage.ClassINET {
			continue
		}
		switch {
		case rrType == dnsmessage.TypeA && qtype == dnsmessage.TypeA:
			if rdlength != 4 {
				return Answer{}, &AnswerResourceDataLengthError{Type: rrType, Length: rdlength}
			}
			return Answer{Address: FormatAddress(rdata), TTL: ttl}, nil
		case rrType == dnsmessage.TypeAAAA && qtype == dnsmessage.TypeAAAA:
			if rdlength != 16 {
				return Answer{}, &AnswerResourceDataLengthError{Type: rrType, Length: rdlength}
			}
			return Answer{Address: FormatAddress(rdata), TTL: ttl}, nil
		case rrType == dnsmessage.TypeSOA:
			// Authoritative negative answer.
			return Answer{TTL: ttl}, nil
		}
	}
	return Answer{TTL: minTTL}, nil
}

// FormatAddress renders a 4-byte A record as dotted decimal and a 16-byte AAAA record as eight
// colon-separated lowercase hex groups, without zero compression.
func FormatAddress(rdata []byte) string {
	var sb strings.Builder
	switch len(rdata) {
	case 4:
		for i, b := range rdata {
			if i > 0 {
				sb.WriteByte('.')
			}
			sb.WriteString(strconv.Itoa(int(b)))
		}
	case 16:
		for i := 0; i < 16; i += 2 {
			if i > 0 {
				sb.WriteByte(':')
			}
			sb.WriteString(strconv.FormatUint(uint64(binary.BigEndian.Uint16(rdata[i:])), 16))
		}
	}
	return sb.String()
}

// decodeQuestion decodes the question entry starting at offset and returns the offset that follows it.
func decodeQuestion(msg []byte, offset int) (string, dnsmessage.Type, dnsmessage.Class, int, error) {
	name, n, err := decodeName(msg, offset)
	if err != nil {
		return "", 0, 0, 0, err
	}
	offset += n
	if offset+4 > len(msg) {
		return "", 0, 0, 0, ErrMalformedMessage
	}
	qtype := dnsmessage.Type(binary.BigEndian.Uint16(msg[offset:]))
	qclass := dnsmessage.Class(binary.BigEndian.Uint16(msg[offset+2:]))
	return name, qtype, qclass, offset + 4, nil
}

// decodeName decodes the possibly compressed domain name at offset. It returns the name without the
// trailing dot ("." for the root) and the number of bytes the name occupies at offset.
func decodeName(msg []byte, offset int) (string, int, error) {
	var sb strings.Builder
	consumed := -1
	start := offset
	for hops := 0; ; {
		if offset >= len(msg) {
			return "", 0, ErrMalformedName
		}
		c := int(msg[offset])
		switch c & 0xc0 {
		case 0x00:
			if c == 0 {
				if consumed < 0 {
					consumed = offset + 1 - start
				}
				if sb.Len() == 0 {
					return ".", consumed, nil
				}
				return sb.String(), consumed, nil
			}
			offset++
			if offset+c > len(msg) {
				return "", 0, ErrMalformedName
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.Write(msg[offset : offset+c])
			if sb.Len()+2 > maxNameLen {
				return "", 0, ErrMalformedName
			}
			offset += c
		case 0xc0:
			if offset+2 > len(msg) {
				return "", 0, ErrMalformedName
			}
			if consumed < 0 {
				consumed = offset + 2 - start
			}
			if hops++; hops > maxPointerHops {
				return "", 0, fmt.Errorf("too many compression pointers: %w", ErrMalformedName)
			}
			offset = int(binary.BigEndian.Uint16(msg[offset:]) & 0x3fff)
		default:
			// 0x40 and 0x80 are reserved label types.
			return "", 0, ErrMalformedName
		}
	}
}
