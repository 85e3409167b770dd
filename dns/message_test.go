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
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

// newTestAnswer builds the DNS-over-TCP response to question with name compression enabled.
// The resource headers are filled in with the question name and class IN unless set.
func newTestAnswer(t *testing.T, question []byte, header dnsmessage.Header, build func(b *dnsmessage.Builder, q dnsmessage.Question)) []byte {
	t.Helper()
	var p dnsmessage.Parser
	qh, err := p.Start(question[2:])
	require.NoError(t, err)
	q, err := p.Question()
	require.NoError(t, err)

	header.ID = qh.ID
	header.Response = true
	header.RecursionDesired = true
	b := dnsmessage.NewBuilder(make([]byte, 2, 514), header)
	b.EnableCompression()
	require.NoError(t, b.StartQuestions())
	require.NoError(t, b.Question(q))
	if build != nil {
		build(&b, q)
	}
	msg, err := b.Finish()
	require.NoError(t, err)
	binary.BigEndian.PutUint16(msg, uint16(len(msg)-2))
	return msg
}

func addA(t *testing.T, ip string, ttl uint32) func(b *dnsmessage.Builder, q dnsmessage.Question) {
	return func(b *dnsmessage.Builder, q dnsmessage.Question) {
		require.NoError(t, b.StartAnswers())
		require.NoError(t, b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: ttl},
			dnsmessage.AResource{A: netip.MustParseAddr(ip).As4()}))
	}
}

func addAAAA(t *testing.T, ip string, ttl uint32) func(b *dnsmessage.Builder, q dnsmessage.Question) {
	return func(b *dnsmessage.Builder, q dnsmessage.Question) {
		require.NoError(t, b.StartAnswers())
		require.NoError(t, b.AAAAResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: ttl},
			dnsmessage.AAAAResource{AAAA: netip.MustParseAddr(ip).As16()}))
	}
}

func TestEncodeQuestion(t *testing.T) {
	for _, family := range []Family{FamilyIPv4, FamilyIPv6} {
		t.Run(family.String(), func(t *testing.T) {
			msg, err := EncodeQuestion("www.example.com", family)
			require.NoError(t, err)
			require.Equal(t, len(msg)-2, int(binary.BigEndian.Uint16(msg)))

			var p dnsmessage.Parser
			h, err := p.Start(msg[2:])
			require.NoError(t, err)
			require.True(t, h.RecursionDesired)
			require.False(t, h.Response)
			require.Equal(t, dnsmessage.OpCode(0), h.OpCode)
			questions, err := p.AllQuestions()
			require.NoError(t, err)
			require.Equal(t, []dnsmessage.Question{{
				Name:  dnsmessage.MustNewName("www.example.com."),
				Type:  family.recordType(),
				Class: dnsmessage.ClassINET,
			}}, questions)
		})
	}
}

func TestEncodeQuestionBadName(t *testing.T) {
	_, err := EncodeQuestion("a..b", FamilyIPv4)
	require.Error(t, err)
}

func TestDecodeAnswer(t *testing.T) {
	t.Run("A", func(t *testing.T) {
		q, err := EncodeQuestion("example.com", FamilyIPv4)
		require.NoError(t, err)
		answer, err := DecodeAnswer(q, newTestAnswer(t, q, dnsmessage.Header{}, addA(t, "93.184.216.34", 120)))
		require.NoError(t, err)
		require.Equal(t, Answer{Address: "93.184.216.34", TTL: 120}, answer)
	})

	t.Run("AAAA", func(t *testing.T) {
		q, err := EncodeQuestion("example.com", FamilyIPv6)
		require.NoError(t, err)
		answer, err := DecodeAnswer(q, newTestAnswer(t, q, dnsmessage.Header{}, addAAAA(t, "2606:2800:220:1::", 300)))
		require.NoError(t, err)
		require.Equal(t, Answer{Address: "2606:2800:220:1:0:0:0:0", TTL: 300}, answer)
	})

	t.Run("CNAME chain", func(t *testing.T) {
		q, err := EncodeQuestion("www.example.com", FamilyIPv4)
		require.NoError(t, err)
		msg := newTestAnswer(t, q, dnsmessage.Header{}, func(b *dnsmessage.Builder, q dnsmessage.Question) {
			target := dnsmessage.MustNewName("example.com.")
			require.NoError(t, b.StartAnswers())
			require.NoError(t, b.CNAMEResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 10},
				dnsmessage.CNAMEResource{CNAME: target}))
			require.NoError(t, b.AResource(dnsmessage.ResourceHeader{Name: target, Class: dnsmessage.ClassINET, TTL: 60},
				dnsmessage.AResource{A: [4]byte{10, 0, 0, 1}}))
		})
		answer, err := DecodeAnswer(q, msg)
		require.NoError(t, err)
		require.Equal(t, Answer{Address: "10.0.0.1", TTL: 60}, answer)
	})

	t.Run("case-insensitive echo", func(t *testing.T) {
		q, err := EncodeQuestion("Example.COM", FamilyIPv4)
		require.NoError(t, err)
		lower, err := EncodeQuestion("example.com", FamilyIPv4)
		require.NoError(t, err)
		// Same ID, different case in the echoed question.
		copy(lower[2:4], q[2:4])
		answer, err := DecodeAnswer(q, newTestAnswer(t, lower, dnsmessage.Header{}, addA(t, "10.0.0.2", 40)))
		require.NoError(t, err)
		require.Equal(t, "10.0.0.2", answer.Address)
	})

	t.Run("no records", func(t *testing.T) {
		q, err := EncodeQuestion("example.com", FamilyIPv6)
		require.NoError(t, err)
		answer, err := DecodeAnswer(q, newTestAnswer(t, q, dnsmessage.Header{}, nil))
		require.NoError(t, err)
		require.Equal(t, Answer{TTL: minTTL}, answer)
		require.False(t, answer.Found())
	})

	t.Run("SOA", func(t *testing.T) {
		q, err := EncodeQuestion("missing.example.com", FamilyIPv4)
		require.NoError(t, err)
		msg := newTestAnswer(t, q, dnsmessage.Header{RCode: dnsmessage.RCodeNameError}, func(b *dnsmessage.Builder, q dnsmessage.Question) {
			require.NoError(t, b.StartAuthorities())
			require.NoError(t, b.SOAResource(dnsmessage.ResourceHeader{Name: dnsmessage.MustNewName("example.com."), Class: dnsmessage.ClassINET, TTL: 900},
				dnsmessage.SOAResource{
					NS:     dnsmessage.MustNewName("ns.example.com."),
					MBox:   dnsmessage.MustNewName("admin.example.com."),
					Serial: 1, Refresh: 2, Retry: 3, Expire: 4, MinTTL: 5,
				}))
		})
		answer, err := DecodeAnswer(q, msg)
		require.NoError(t, err)
		require.Equal(t, Answer{TTL: 900}, answer)
	})

	t.Run("wrong family skipped", func(t *testing.T) {
		q, err := EncodeQuestion("example.com", FamilyIPv4)
		require.NoError(t, err)
		answer, err := DecodeAnswer(q, newTestAnswer(t, q, dnsmessage.Header{}, addAAAA(t, "::1", 60)))
		require.NoError(t, err)
		require.False(t, answer.Found())
	})
}

func TestDecodeAnswerErrors(t *testing.T) {
	q, err := EncodeQuestion("example.com", FamilyIPv4)
	require.NoError(t, err)
	valid := newTestAnswer(t, q, dnsmessage.Header{}, addA(t, "10.0.0.1", 60))

	t.Run("length", func(t *testing.T) {
		msg := append([]byte{}, valid...)
		binary.BigEndian.PutUint16(msg, uint16(len(msg)))
		_, err := DecodeAnswer(q, msg)
		var lenErr *AnswerLengthError
		require.ErrorAs(t, err, &lenErr)
		require.Equal(t, len(msg), lenErr.Declared)
		require.Equal(t, len(msg)-2, lenErr.Actual)
	})

	t.Run("ID", func(t *testing.T) {
		msg := append([]byte{}, valid...)
		msg[2] ^= 0xff
		_, err := DecodeAnswer(q, msg)
		var idErr *AnswerIDError
		require.ErrorAs(t, err, &idErr)
	})

	for name, header := range map[string]dnsmessage.Header{
		"opcode":    {OpCode: 2},
		"truncated": {Truncated: true},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAnswer(q, newTestAnswer(t, q, header, nil))
			var flagErr *AnswerFlagError
			require.ErrorAs(t, err, &flagErr)
		})
	}

	t.Run("not a response", func(t *testing.T) {
		msg := append([]byte{}, valid...)
		msg[4] &^= 0x80
		_, err := DecodeAnswer(q, msg)
		var flagErr *AnswerFlagError
		require.ErrorAs(t, err, &flagErr)
	})

	t.Run("question count", func(t *testing.T) {
		msg := append([]byte{}, valid...)
		binary.BigEndian.PutUint16(msg[6:], 2)
		_, err := DecodeAnswer(q, msg)
		var countErr *AnswerCountError
		require.ErrorAs(t, err, &countErr)
		require.Equal(t, uint16(2), countErr.QDCount)
	})

	t.Run("question name", func(t *testing.T) {
		other, err := EncodeQuestion("example.org", FamilyIPv4)
		require.NoError(t, err)
		copy(other[2:4], q[2:4])
		_, err = DecodeAnswer(q, newTestAnswer(t, other, dnsmessage.Header{}, nil))
		var questionErr *AnswerQuestionError
		require.ErrorAs(t, err, &questionErr)
		require.Equal(t, "example.org", questionErr.Name)
	})

	t.Run("question type", func(t *testing.T) {
		other, err := EncodeQuestion("example.com", FamilyIPv6)
		require.NoError(t, err)
		copy(other[2:4], q[2:4])
		_, err = DecodeAnswer(q, newTestAnswer(t, other, dnsmessage.Header{}, nil))
		var questionErr *AnswerQuestionError
		require.ErrorAs(t, err, &questionErr)
		require.Equal(t, dnsmessage.TypeAAAA, questionErr.Type)
	})

	t.Run("resource data length", func(t *testing.T) {
		msg := newTestAnswer(t, q, dnsmessage.Header{}, func(b *dnsmessage.Builder, q dnsmessage.Question) {
			require.NoError(t, b.StartAnswers())
			require.NoError(t, b.UnknownResource(dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET, TTL: 60},
				dnsmessage.UnknownResource{Type: dnsmessage.TypeA, Data: []byte{1, 2, 3, 4, 5}}))
		})
		_, err := DecodeAnswer(q, msg)
		var rdErr *AnswerResourceDataLengthError
		require.ErrorAs(t, err, &rdErr)
		require.Equal(t, 5, rdErr.Length)
	})

	t.Run("truncated record", func(t *testing.T) {
		msg := append([]byte{}, valid[:len(valid)-2]...)
		binary.BigEndian.PutUint16(msg, uint16(len(msg)-2))
		_, err := DecodeAnswer(q, msg)
		require.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestDecodeNamePointerLoop(t *testing.T) {
	// A header followed by a pointer to itself.
	msg := make([]byte, headerLen, headerLen+2)
	msg = append(msg, 0xc0, headerLen)
	_, _, err := decodeName(msg, headerLen)
	require.ErrorIs(t, err, ErrMalformedName)
}

func TestDecodeNameCompressed(t *testing.T) {
	// "example.com" at 12, then "www" + pointer to 12.
	msg := make([]byte, headerLen)
	msg = append(msg, 7, 'e', 'x', 'a', 'm', 'p', 'l', 'e', 3, 'c', 'o', 'm', 0)
	www := len(msg)
	msg = append(msg, 3, 'w', 'w', 'w', 0xc0, headerLen)
	name, n, err := decodeName(msg, www)
	require.NoError(t, err)
	require.Equal(t, "www.example.com", name)
	require.Equal(t, 6, n)

	name, n, err = decodeName([]byte{0}, 0)
	require.NoError(t, err)
	require.Equal(t, ".", name)
	require.Equal(t, 1, n)
}

func TestDecodeNameReservedLabel(t *testing.T) {
	_, _, err := decodeName([]byte{0x40, 0}, 0)
	require.True(t, errors.Is(err, ErrMalformedName))
}

func TestFormatAddress(t *testing.T) {
	require.Equal(t, "127.0.0.1", FormatAddress([]byte{127, 0, 0, 1}))
	require.Equal(t, "2001:db8:0:0:0:0:0:ff01", FormatAddress(netip.MustParseAddr("2001:db8::ff01").AsSlice()))
	require.Equal(t, "", FormatAddress([]byte{1, 2, 3}))
}
