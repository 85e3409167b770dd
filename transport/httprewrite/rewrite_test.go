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
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readHead(t *testing.T, s string) *RequestHead {
	t.Helper()
	head, err := ReadRequestHead(bufio.NewReader(strings.NewReader(s)))
	require.NoError(t, err)
	return head
}

func TestReadRequestHead(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET /index.html HTTP/1.1\r\nHost: example.com\r\nX-Custom-KEY:  v1 \r\naccept: */*\r\n\r\nbody"))
	head, err := ReadRequestHead(r)
	require.NoError(t, err)
	require.Equal(t, &RequestHead{
		Method:  "GET",
		Target:  "/index.html",
		Version: "HTTP/1.1",
		Headers: []Header{
			{Key: "Host", Value: "example.com"},
			{Key: "X-Custom-KEY", Value: "v1"},
			{Key: "accept", Value: "*/*"},
		},
	}, head)
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "body", string(rest))
}

func TestReadRequestHeadErrors(t *testing.T) {
	for name, input := range map[string]string{
		"two parts":     "GET /\r\n\r\n",
		"bad version":   "GET / FTP/1.0\r\n\r\n",
		"no colon":      "GET / HTTP/1.1\r\nHost example.com\r\n\r\n",
		"space in key":  "GET / HTTP/1.1\r\nHo st: example.com\r\n\r\n",
		"tls handshake": "\x16\x03\x01\x00\xf8\x01\x00",
		"too long":      "GET /" + strings.Repeat("a", maxLineLength) + " HTTP/1.1\r\n\r\n",
		"too many":      "GET / HTTP/1.1\r\n" + strings.Repeat("A: b\r\n", maxHeaders+1) + "\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRequestHead(bufio.NewReader(strings.NewReader(input)))
			require.Error(t, err)
		})
	}
}

func TestReadRequestHeadEOF(t *testing.T) {
	_, err := ReadRequestHead(bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: a\r\n")))
	require.ErrorIs(t, err, io.EOF)
}

// endlessReader yields an unbounded line and counts the bytes read from it.
type endlessReader struct {
	n int
}

func (r *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	r.n += len(p)
	return len(p), nil
}

func TestReadRequestHeadStopsAtLineLimit(t *testing.T) {
	src := &endlessReader{}
	br := bufio.NewReaderSize(src, 4096)
	_, err := ReadRequestHead(br)
	require.ErrorIs(t, err, ErrMalformedRequest)
	require.LessOrEqual(t, src.n, maxLineLength+2*br.Size())
}

func TestReadRequestHeadLineEndings(t *testing.T) {
	head := readHead(t, "GET / HTTP/1.1\nHost: example.com\r\nAccept: */*\n\r\n")
	require.Equal(t, "HTTP/1.1", head.Version)
	require.Equal(t, []Header{{Key: "Host", Value: "example.com"}, {Key: "Accept", Value: "*/*"}}, head.Headers)
}

func TestHeaderAccessors(t *testing.T) {
	head := readHead(t, "GET / HTTP/1.1\r\nhOsT: example.com\r\nProxy-Connection: keep-alive\r\nproxy-connection: close\r\n\r\n")
	require.Equal(t, "example.com", head.Host())

	head.Del("Proxy-Connection")
	require.Len(t, head.Headers, 1)

	head.Set("Host", "example.org")
	require.Equal(t, []Header{{Key: "hOsT", Value: "example.org"}}, head.Headers)
	head.Set("Connection", "close")
	require.Equal(t, "close", head.Get("connection"))
}

func TestBytesCanonical(t *testing.T) {
	input := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 0\r\n\r\n"
	require.Equal(t, input, string(readHead(t, input).Bytes(CanonicalOptions)))
}

func TestBytesDefault(t *testing.T) {
	head := readHead(t, "GET / HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")
	require.Equal(t, "GET / HTTP/1.1\r\nHoSt:example.com\r\nAccept: */*\r\n\r\n", string(head.Bytes(DefaultOptions)))
}

// The standard library parser is strict about the request line, so only the rewrites that keep single
// spaces there are checked against it.
func TestBytesParseWithNetHTTP(t *testing.T) {
	original := readHead(t, "GET /path?q=1 HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")
	for name, opts := range map[string]Options{
		"default":   DefaultOptions,
		"canonical": CanonicalOptions,
		"lf":        {NewlineSeparator: "\n", MethodSeparator: " ", TargetSeparator: " ", HostHeaderSeparator: ":\t", MixHostHeaderCase: true},
	} {
		t.Run(name, func(t *testing.T) {
			req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(original.Bytes(opts))))
			require.NoError(t, err)
			require.Equal(t, "GET", req.Method)
			require.Equal(t, "/path?q=1", req.RequestURI)
			require.Equal(t, "HTTP/1.1", req.Proto)
			require.Equal(t, "example.com", req.Host)
			require.Equal(t, "*/*", req.Header.Get("Accept"))
		})
	}
}

func TestBytesSeparators(t *testing.T) {
	original := readHead(t, "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	opts := Options{
		NewlineSeparator:    "\n",
		MethodSeparator:     "  ",
		TargetSeparator:     "\t",
		HostHeaderSeparator: ":",
		MixHostHeaderCase:   true,
	}
	rewritten := original.Bytes(opts)
	require.Equal(t, "GET  /\tHTTP/1.1\nHoSt:example.com\n\n", string(rewritten))

	reparsed, err := ReadRequestHead(bufio.NewReader(bytes.NewReader(rewritten)))
	require.NoError(t, err)
	require.Equal(t, original.Method, reparsed.Method)
	require.Equal(t, original.Target, reparsed.Target)
	require.Equal(t, original.Version, reparsed.Version)
	require.Equal(t, original.Host(), reparsed.Host())
	require.Equal(t, "HoSt", reparsed.Headers[0].Key)
}

func TestMixCase(t *testing.T) {
	require.Equal(t, "HoSt", MixCase("host"))
	require.Equal(t, "HoSt", MixCase("HOST"))
	require.Equal(t, "", MixCase(""))
}
