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

// Package httprewrite parses the head of an HTTP/1 request and writes it back with altered separators
// and Host header casing. The rewritten request is semantically equivalent for compliant servers, but
// no longer matches byte patterns that naive middleboxes look for.
package httprewrite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode"
)

const (
	maxHeaders    = 256
	maxLineLength = 16 * 1024
)

// ErrMalformedRequest is returned when the data read is not an HTTP/1 request head.
var ErrMalformedRequest = errors.New("malformed HTTP request")

// Header is a header field as received, with the key casing preserved.
type Header struct {
	Key   string
	Value string
}

// RequestHead is the request line and header fields of an HTTP/1 request, in the order received.
type RequestHead struct {
	Method  string
	Target  string
	Version string
	Headers []Header
}

// ReadRequestHead reads a request line and header fields up to and including the empty line that ends them.
// Lines may end in CRLF or LF, and the request line parts may be separated by any amount of whitespace.
func ReadRequestHead(r *bufio.Reader) (*RequestHead, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("invalid request line %q: %w", line, ErrMalformedRequest)
	}
	head := &RequestHead{Method: parts[0], Target: parts[1], Version: parts[2]}
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return head, nil
		}
		if len(head.Headers) == maxHeaders {
			return nil, fmt.Errorf("too many header fields: %w", ErrMalformedRequest)
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || key == "" || strings.IndexFunc(key, unicode.IsSpace) >= 0 {
			return nil, fmt.Errorf("invalid header field %q: %w", line, ErrMalformedRequest)
		}
		head.Headers = append(head.Headers, Header{Key: key, Value: strings.TrimSpace(value)})
	}
}

// readLine reads a line without its CRLF or LF ending. It stops reading once the line exceeds maxLineLength.
func readLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > maxLineLength+2 {
			return "", fmt.Errorf("line too long: %w", ErrMalformedRequest)
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			line = line[:len(line)-1]
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return "", io.ErrUnexpectedEOF
		default:
			return "", err
		}
	}
}

// Get returns the value of the first header field named key, case-insensitively.
func (h *RequestHead) Get(key string) string {
	for _, hdr := range h.Headers {
		if strings.EqualFold(hdr.Key, key) {
			return hdr.Value
		}
	}
	return ""
}

// Set replaces the value of the first header field named key, or appends the field.
func (h *RequestHead) Set(key, value string) {
	for i := range h.Headers {
		if strings.EqualFold(h.Headers[i].Key, key) {
			h.Headers[i].Value = value
			return
		}
	}
	h.Headers = append(h.Headers, Header{Key: key, Value: value})
}

// Del removes all header fields named key.
func (h *RequestHead) Del(key string) {
	h.Headers = slices.DeleteFunc(h.Headers, func(hdr Header) bool {
		return strings.EqualFold(hdr.Key, key)
	})
}

// Host returns the value of the Host header.
func (h *RequestHead) Host() string {
	return h.Get("Host")
}
