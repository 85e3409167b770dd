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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/Jigsaw-Code/demergi/transport"
)

// Transport looks up the address of a host name for one address family.
type Transport interface {
	// Lookup returns the first address of the given family for hostname. An [Answer] without address
	// means the name has no such record, and is not an error.
	Lookup(ctx context.Context, hostname string, family Family) (Answer, error)
}

// FuncTransport is a [Transport] that uses the given function for the lookup.
type FuncTransport func(ctx context.Context, hostname string, family Family) (Answer, error)

// Lookup implements [Transport].
func (f FuncTransport) Lookup(ctx context.Context, hostname string, family Family) (Answer, error) {
	return f(ctx, hostname, family)
}

const defaultAnswerTimeout = 5 * time.Second

// TLSTransportOptions configures the [DNS-over-TLS] transport.
//
// [DNS-over-TLS]: https://datatracker.ietf.org/doc/html/rfc7858
type TLSTransportOptions struct {
	// Address of the DoT server, in host:port form.
	Address string
	// ServerName to validate the server certificate against. Defaults to the host in Address.
	ServerName string
	// Pin is the base64-encoded SHA-256 digest of the server's public key. If set without a ServerName,
	// the certificate chain and host name are not validated; the pin is checked instead.
	Pin string
	// Dialer establishes the connection to the server. If nil, a direct TCP connection is used.
	Dialer transport.StreamDialer
	// Timeout is the maximum inactivity of the server connection. Defaults to 5 seconds.
	Timeout time.Duration
	// RootCAs overrides the system certificate pool.
	RootCAs *x509.CertPool
}

// PublicKeyPin returns the pin of a certificate: the base64-encoded SHA-256 digest of its
// DER-encoded SubjectPublicKeyInfo.
func PublicKeyPin(cert *x509.Certificate) string {
	digest := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(digest[:])
}

// NewTLSTransport creates a [Transport] that queries a DNS-over-TLS server.
// It creates a new connection to the server for every lookup.
func NewTLSTransport(opts TLSTransportOptions) Transport {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &transport.TCPDialer{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}
	serverName := opts.ServerName
	if serverName == "" {
		serverName, _, _ = net.SplitHostPort(opts.Address)
	}
	tlsConfig := &tls.Config{
		ServerName: serverName,
		RootCAs:    opts.RootCAs,
		// Pin-only configurations replace chain validation with the pin check after the handshake.
		InsecureSkipVerify: opts.Pin != "" && opts.ServerName == "",
	}
	return FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		question, err := EncodeQuestion(hostname, family)
		if err != nil {
			return Answer{}, err
		}
		baseConn, err := dialer.DialStream(ctx, opts.Address)
		if err != nil {
			return Answer{}, fmt.Errorf("failed to connect to DNS server: %w", err)
		}
		conn := tls.Client(baseConn, tlsConfig)
		defer conn.Close()

		answer, err := tlsRoundtrip(ctx, conn, opts.Pin, question, timeout)
		if ctxErr := ctx.Err(); err != nil && ctxErr != nil {
			return Answer{}, ctxErr
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return Answer{}, &AnswerTimeoutError{Host: hostname, Family: family, Err: err}
		}
		if err != nil {
			return Answer{}, err
		}
		return DecodeAnswer(question, answer)
	})
}

// tlsRoundtrip performs the handshake, checks the pin and exchanges one length-prefixed message.
// The connection deadline is pushed forward before every step.
func tlsRoundtrip(ctx context.Context, conn *tls.Conn, pin string, question []byte, timeout time.Duration) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	conn.SetDeadline(time.Now().Add(timeout))
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if pin != "" {
		certs := conn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			return nil, &PinError{Want: pin}
		}
		if got := PublicKeyPin(certs[0]); got != pin {
			return nil, &PinError{Want: pin, Got: got}
		}
	}

	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(question); err != nil {
		return nil, fmt.Errorf("failed to write message: %w", err)
	}

	conn.SetDeadline(time.Now().Add(timeout))
	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("failed to read message length: %w", err)
	}
	answer := make([]byte, 2+int(msgLen))
	binary.BigEndian.PutUint16(answer, msgLen)
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := io.ReadFull(conn, answer[2:]); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return answer, nil
}
