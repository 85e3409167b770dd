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
	"errors"
	"fmt"
	"io"
)

var (
	// errTLSClientHelloFullyReceived is returned when a full TLS Client Hello has been received and no
	// more data can be pushed to the buffer.
	errTLSClientHelloFullyReceived = errors.New("already received a complete TLS Client Hello packet")

	// errInvalidTLSClientHello is the error used when the data received is not a valid TLS Client Hello.
	errInvalidTLSClientHello = errors.New("not a valid TLS Client Hello packet")
)

// clientHelloBuffer is a byte buffer used to receive and buffer the first TLS handshake record.
type clientHelloBuffer struct {
	data  []byte // the buffer that hosts both header and content, len: 5 -> 5+len(content)
	len   int    // the actual bytes that have been read into data
	valid bool   // indicate whether the content in data is a valid TLS handshake record
}

var _ io.Writer = (*clientHelloBuffer)(nil)

func newClientHelloBuffer() *clientHelloBuffer {
	// Allocate the 5 bytes header first, and then reallocate it to contain the entire record later
	return &clientHelloBuffer{
		data:  make([]byte, recordHeaderLen),
		valid: true,
	}
}

// Bytes returns the data received so far, including the header.
func (b *clientHelloBuffer) Bytes() []byte {
	return b.data[:b.len]
}

// HasFullyReceived reports whether the whole record is in the buffer.
func (b *clientHelloBuffer) HasFullyReceived() bool {
	return b.valid && b.len == len(b.data) && b.len > recordHeaderLen
}

// Write appends p to the buffer and returns the number of bytes actually used.
// If this data completes a valid record, it returns errTLSClientHelloFullyReceived.
// If an invalid record is detected, it returns errInvalidTLSClientHello.
func (b *clientHelloBuffer) Write(p []byte) (n int, err error) {
	if !b.valid {
		return 0, errInvalidTLSClientHello
	}

	for b.len < len(b.data) && len(p) > 0 {
		m := copy(b.data[b.len:], p)
		n += m
		b.len += m
		p = p[m:]

		if b.len == recordHeaderLen {
			if err = b.validateTLSClientHello(); err != nil {
				return
			}
			buf := make([]byte, recordHeaderLen+getMsgLen(b.data))
			copy(buf, b.data)
			b.data = buf
		}
	}

	if b.HasFullyReceived() {
		err = errTLSClientHelloFullyReceived
	}
	return
}

func (b *clientHelloBuffer) validateTLSClientHello() error {
	if typ := getRecordType(b.data); typ != recordTypeHandshake {
		b.valid = false
		return fmt.Errorf("record type %d is not handshake: %w", typ, errInvalidTLSClientHello)
	}
	if ver := getTLSVersion(b.data); !isValidTLSVersion(ver) {
		b.valid = false
		return fmt.Errorf("%#04x is not a valid TLS version: %w", ver, errInvalidTLSClientHello)
	}
	if len := getMsgLen(b.data); !isValidMsgLenForHandshake(len) {
		b.valid = false
		return fmt.Errorf("message length %v out of range: %w", len, errInvalidTLSClientHello)
	}
	return nil
}
