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

package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/demergi/transport"
	"github.com/Jigsaw-Code/demergi/transport/httprewrite"
	"github.com/Jigsaw-Code/demergi/transport/tlsfrag"
)

const (
	readBufferSize = 32 * 1024

	recordTypeHandshake = 0x16
	recordHeaderLen     = 5
	maxRecordLen        = 1 << 14

	connectResponse = "HTTP/1.1 200 Connection established\r\n\r\n"
)

// Kinds of client requests.
const (
	kindConnect = "connect"
	kindHTTP    = "http"
	kindTLS     = "tls"
)

// Pipeline stages, used to label failures.
const (
	stageParse   = "parse"
	stageResolve = "resolve"
	stageConnect = "connect"
	stageRelay   = "relay"
)

// request is the intent of a client connection.
type request struct {
	kind string
	host string
	port string
	// head is the request to forward, for plain HTTP.
	head *httprewrite.RequestHead
}

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string {
	return fmt.Sprintf("%v failed: %v", e.stage, e.err)
}

func (e *stageError) Unwrap() error { return e.err }

func (s *Server) handle(ctx context.Context, clientConn net.Conn) {
	defer clientConn.Close()
	stop := context.AfterFunc(ctx, func() { clientConn.Close() })
	defer stop()

	logger := s.logger.With(slog.String("client", clientConn.RemoteAddr().String()))
	err := s.serveConn(ctx, clientConn, logger)
	if err == nil {
		return
	}
	stage := stageRelay
	var stageErr *stageError
	if errors.As(err, &stageErr) {
		stage = stageErr.stage
	}
	s.opts.Metrics.ConnectionFailed(stage)
	level := slog.LevelWarn
	if errors.Is(err, io.EOF) || errors.Is(err, errInactive) || errors.Is(err, context.Canceled) {
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "Connection failed", slog.String("stage", stage), slog.Any("err", err))
}

// serveConn runs the pipeline of a connection: parse the request, resolve and connect to the target,
// forward the first bytes rewritten, then relay.
func (s *Server) serveConn(ctx context.Context, clientConn net.Conn, logger *slog.Logger) error {
	br := bufio.NewReaderSize(clientConn, readBufferSize)
	if s.opts.InactivityTimeout > 0 {
		clientConn.SetReadDeadline(time.Now().Add(s.opts.InactivityTimeout))
	}
	req, err := readRequest(br)
	if err != nil {
		return &stageError{stageParse, err}
	}
	clientConn.SetReadDeadline(time.Time{})

	s.opts.Metrics.ConnectionOpened(req.kind)
	defer s.opts.Metrics.ConnectionClosed()
	target := net.JoinHostPort(req.host, req.port)
	matched := s.matcher.Match(req.host)
	logger = logger.With(slog.String("kind", req.kind), slog.String("target", target))

	upstream, err := s.connect(ctx, req.host, req.port)
	if err != nil {
		return err
	}
	defer upstream.Close()

	var upstreamWriter io.Writer = upstream
	switch req.kind {
	case kindConnect, kindTLS:
		if req.kind == kindConnect {
			if _, err := io.WriteString(clientConn, connectResponse); err != nil {
				return &stageError{stageRelay, err}
			}
		}
		if matched {
			upstreamWriter, err = tlsfrag.NewWriter(upstream, s.opts.ClientHelloSize, s.opts.ClientHelloVersion)
			if err != nil {
				return &stageError{stageRelay, err}
			}
		}
	case kindHTTP:
		opts := httprewrite.CanonicalOptions
		if matched {
			opts = s.opts.HTTP
		}
		if _, err := upstream.Write(req.head.Bytes(opts)); err != nil {
			return &stageError{stageRelay, err}
		}
	}
	logger.Debug("Connection established", slog.Bool("rewrite", matched))

	// The client bytes buffered while parsing are relayed first.
	client := transport.WrapConn(asStreamConn(clientConn), br, clientConn)
	if err := relay(ctx, client, transport.WrapConn(upstream, upstream, upstreamWriter), s.opts.InactivityTimeout); err != nil {
		return &stageError{stageRelay, err}
	}
	logger.Debug("Connection closed")
	return nil
}

// connect resolves host and connects to one of its addresses. Both steps together are bounded by the
// inactivity timeout.
func (s *Server) connect(ctx context.Context, host, port string) (transport.StreamConn, error) {
	if s.opts.InactivityTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.InactivityTimeout)
		defer cancel()
	}
	addrs, err := s.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, &stageError{stageResolve, err}
	}
	ips := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		ip, err := netip.ParseAddr(addr.Address)
		if err != nil {
			continue
		}
		ips = append(ips, ip)
	}
	start := time.Now()
	conn, err := s.dialer.DialAddresses(ctx, ips, port)
	if err != nil {
		return nil, &stageError{stageConnect, err}
	}
	s.opts.Metrics.UpstreamConnected(time.Since(start))
	return conn, nil
}

// readRequest reads enough of the client stream to find out its target. Bytes that must be forwarded
// as they are stay in r.
func readRequest(r *bufio.Reader) (*request, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, err
	}
	if first[0] == recordTypeHandshake {
		return readTLSRequest(r)
	}

	head, err := httprewrite.ReadRequestHead(r)
	if err != nil {
		return nil, err
	}
	if head.Method == "CONNECT" {
		host, port, err := splitHostPort(head.Target, "443")
		if err != nil {
			return nil, err
		}
		return &request{kind: kindConnect, host: host, port: port}, nil
	}

	hostport := head.Host()
	if u, err := url.Parse(head.Target); err == nil && u.IsAbs() {
		if u.Scheme != "http" {
			return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		hostport = u.Host
		head.Target = u.RequestURI()
		if head.Host() == "" {
			head.Set("Host", u.Host)
		}
	}
	if hostport == "" {
		return nil, errors.New("missing target host")
	}
	host, port, err := splitHostPort(hostport, "80")
	if err != nil {
		return nil, err
	}
	head.Del("Proxy-Connection")
	return &request{kind: kindHTTP, host: host, port: port, head: head}, nil
}

// readTLSRequest peeks the first TLS record and takes the target from its server name.
func readTLSRequest(r *bufio.Reader) (*request, error) {
	hdr, err := r.Peek(recordHeaderLen)
	if err != nil {
		return nil, err
	}
	recordLen := int(binary.BigEndian.Uint16(hdr[3:]))
	if recordLen > maxRecordLen {
		return nil, fmt.Errorf("TLS record too long: %d", recordLen)
	}
	record, err := r.Peek(recordHeaderLen + recordLen)
	if err != nil {
		return nil, err
	}
	sni, err := tlsfrag.GetSNI(record)
	if err != nil {
		return nil, err
	}
	return &request{kind: kindTLS, host: sni, port: "443"}, nil
}

func splitHostPort(hostport, defaultPort string) (string, string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, defaultPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = host[1 : len(host)-1]
		}
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("invalid target %q", hostport)
	}
	return host, port, nil
}
