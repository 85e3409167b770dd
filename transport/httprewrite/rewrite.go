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

package httprewrite

import (
	"strings"
	"unicode"
)

// Options configures how a [RequestHead] is written.
type Options struct {
	// NewlineSeparator ends every line.
	NewlineSeparator string
	// MethodSeparator goes between the method and the target.
	MethodSeparator string
	// TargetSeparator goes between the target and the version.
	TargetSeparator string
	// HostHeaderSeparator goes between the Host header key and its value.
	HostHeaderSeparator string
	// MixHostHeaderCase alternates upper and lower case in the Host header key.
	MixHostHeaderCase bool
}

// DefaultOptions are the rewrite options used when none are configured.
var DefaultOptions = Options{
	NewlineSeparator:    "\r\n",
	MethodSeparator:     " ",
	TargetSeparator:     " ",
	HostHeaderSeparator: ":",
	MixHostHeaderCase:   true,
}

// CanonicalOptions write a request head with the standard separators. The result is equivalent to the
// request read, but not byte for byte: line endings become CRLF and whitespace around the request line
// parts and header values is normalized.
var CanonicalOptions = Options{
	NewlineSeparator:    "\r\n",
	MethodSeparator:     " ",
	TargetSeparator:     " ",
	HostHeaderSeparator: ": ",
}

// Bytes serializes the request head with opts. Header fields other than Host are written as "Key: Value".
func (h *RequestHead) Bytes(opts Options) []byte {
	var sb strings.Builder
	sb.WriteString(h.Method)
	sb.WriteString(opts.MethodSeparator)
	sb.WriteString(h.Target)
	sb.WriteString(opts.TargetSeparator)
	sb.WriteString(h.Version)
	sb.WriteString(opts.NewlineSeparator)
	for _, hdr := range h.Headers {
		if strings.EqualFold(hdr.Key, "Host") {
			key := hdr.Key
			if opts.MixHostHeaderCase {
				key = MixCase(key)
			}
			sb.WriteString(key)
			sb.WriteString(opts.HostHeaderSeparator)
		} else {
			sb.WriteString(hdr.Key)
			sb.WriteString(": ")
		}
		sb.WriteString(hdr.Value)
		sb.WriteString(opts.NewlineSeparator)
	}
	sb.WriteString(opts.NewlineSeparator)
	return []byte(sb.String())
}

// MixCase alternates the case of s, starting with upper case: "host" becomes "HoSt".
func MixCase(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if i%2 == 0 {
			runes[i] = unicode.ToUpper(r)
		} else {
			runes[i] = unicode.ToLower(r)
		}
	}
	return string(runes)
}
