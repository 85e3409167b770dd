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
Package proxy implements an HTTP proxy that rewrites the first bytes of every connection so that deep packet
inspection middleboxes fail to recognize the destination.

The [Server] accepts three kinds of client connections:
  - CONNECT requests, tunneling a stream to the target. When the tunneled stream starts with a TLS Client Hello,
    the record is fragmented into small records with [tlsfrag.NewWriter].
  - Plain HTTP requests, in origin or absolute form. The request head is forwarded with the separators and Host
    header casing of [httprewrite.Options].
  - Transparent TLS streams, starting with a TLS handshake record. The target is the server name of the
    Client Hello, on port 443.

Rewriting only applies to targets matched by the host list. Target names are resolved with a [Resolver] and
connected to with Happy Eyeballs. After the first request, bytes are relayed unmodified in both directions until
either side closes or the connection is inactive for too long.
*/
package proxy

import (
	"context"
	"net"
	"time"

	"github.com/Jigsaw-Code/demergi/dns"
	"github.com/Jigsaw-Code/demergi/internal/metrics"
	"github.com/Jigsaw-Code/demergi/transport"
	"github.com/Jigsaw-Code/demergi/transport/httprewrite"
)

// DefaultInactivityTimeout is the inactivity timeout used when none is configured.
const DefaultInactivityTimeout = 60 * time.Second

// Resolver maps a host name to its addresses, IPv6 first.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]dns.ResolvedAddress, error)
}

// Options configures a [Server]. They must not be modified after the server is created.
type Options struct {
	// InactivityTimeout closes connections without traffic in either direction for this long.
	// Zero means DefaultInactivityTimeout, and a negative value disables the timeout.
	InactivityTimeout time.Duration
	// HappyEyeballs races the connection attempts to the target addresses.
	HappyEyeballs bool
	// HappyEyeballsDelay is the time to wait for an attempt before starting the next one.
	HappyEyeballsDelay time.Duration
	// HostList restricts the rewriting to these exact hosts. Empty means all hosts.
	HostList []string
	// ClientHelloSize is the maximum payload of the Client Hello fragments. Non-positive disables fragmentation.
	ClientHelloSize int
	// ClientHelloVersion is the TLS version advertised by the fragments. Zero keeps the original version.
	ClientHelloVersion uint16
	// HTTP configures the plain HTTP request rewrite. The zero value means [httprewrite.DefaultOptions].
	HTTP httprewrite.Options
	// Dialer connects to the target addresses. If nil, a direct TCP connection is used.
	Dialer transport.StreamDialer
	// ListenConfig is used by [Server.ListenAndServe].
	ListenConfig net.ListenConfig
	// Metrics records the server activity. It may be nil.
	Metrics *metrics.Collector
}
