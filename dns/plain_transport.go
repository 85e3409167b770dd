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
	"log/slog"
	"net"
	"net/netip"

	mdns "github.com/miekg/dns"
)

const resolvConfPath = "/etc/resolv.conf"

type plainTransport struct {
	config *mdns.ClientConfig
	client *mdns.Client
	logger *slog.Logger
}

// NewPlainTransport creates a [Transport] that queries the resolvers configured in the operating system
// in plaintext, so that answers carry their TTL. Lookups never fail: errors and empty results degrade
// to an [Answer] without address.
//
// If the system resolver configuration can't be read, the Go resolver is used and answers get the
// minimum TTL.
func NewPlainTransport(logger *slog.Logger) Transport {
	config, err := mdns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		logger.Debug("Using the Go resolver for plain DNS", slog.Any("err", err))
		config = nil
	}
	return newPlainTransport(config, logger)
}

func newPlainTransport(config *mdns.ClientConfig, logger *slog.Logger) *plainTransport {
	return &plainTransport{config: config, client: &mdns.Client{}, logger: logger}
}

// Lookup implements [Transport].
func (t *plainTransport) Lookup(ctx context.Context, hostname string, family Family) (Answer, error) {
	if t.config == nil || len(t.config.Servers) == 0 {
		return t.lookupGo(ctx, hostname, family), nil
	}
	req := new(mdns.Msg)
	req.SetQuestion(mdns.Fqdn(hostname), uint16(family.recordType()))
	for _, server := range t.config.Servers {
		resp, err := t.exchange(ctx, req, net.JoinHostPort(server, t.config.Port))
		if err != nil {
			t.logger.Debug("Plain DNS exchange failed", slog.String("server", server), slog.Any("err", err))
			continue
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *mdns.A:
				if family == FamilyIPv4 {
					return Answer{Address: FormatAddress(rr.A.To4()), TTL: rr.Hdr.Ttl}, nil
				}
			case *mdns.AAAA:
				if family == FamilyIPv6 {
					return Answer{Address: FormatAddress(rr.AAAA.To16()), TTL: rr.Hdr.Ttl}, nil
				}
			}
		}
		return Answer{TTL: minTTL}, nil
	}
	return Answer{TTL: minTTL}, nil
}

// exchange sends the query over UDP, retrying over TCP if the answer is truncated.
func (t *plainTransport) exchange(ctx context.Context, req *mdns.Msg, server string) (*mdns.Msg, error) {
	resp, _, err := t.client.ExchangeContext(ctx, req, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcpClient := &mdns.Client{Net: "tcp"}
		resp, _, err = tcpClient.ExchangeContext(ctx, req, server)
	}
	return resp, err
}

func (t *plainTransport) lookupGo(ctx context.Context, hostname string, family Family) Answer {
	network := "ip4"
	if family == FamilyIPv6 {
		network = "ip6"
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, network, hostname)
	if err != nil || len(ips) == 0 {
		return Answer{TTL: minTTL}
	}
	ip := ips[0].Unmap()
	if family == FamilyIPv6 {
		ip = netip.AddrFrom16(ip.As16())
	}
	return Answer{Address: FormatAddress(ip.AsSlice()), TTL: minTTL}
}
