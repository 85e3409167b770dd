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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// DefaultHappyEyeballsDelay is the Connection Attempt Delay recommended by [RFC 8305].
//
// [RFC 8305]: https://datatracker.ietf.org/doc/html/rfc8305#section-8
const DefaultHappyEyeballsDelay = 250 * time.Millisecond

/*
HappyEyeballsDialer connects to the first reachable address of a list of already resolved addresses.

When Enabled, it races the attempts as in [Happy Eyeballs v2]: addresses are tried alternating the family,
starting with IPv6, and a new attempt is started whenever the previous one has not connected within Delay.
The first attempt to connect wins and the others are aborted, closing their connections if they connect late.

When not Enabled, the addresses are tried one at a time, in the given order.

[Happy Eyeballs v2]: https://datatracker.ietf.org/doc/html/rfc8305
*/
type HappyEyeballsDialer struct {
	// The base dialer to establish connections. If nil, a direct TCP connection is established.
	Dialer StreamDialer
	// Enabled turns on the racing of attempts.
	Enabled bool
	// Delay between attempts. Defaults to DefaultHappyEyeballsDelay.
	Delay time.Duration
}

func (d *HappyEyeballsDialer) dial(ctx context.Context, addr string) (StreamConn, error) {
	if d.Dialer != nil {
		return d.Dialer.DialStream(ctx, addr)
	}
	return (&TCPDialer{}).DialStream(ctx, addr)
}

func newClosedChan() <-chan struct{} {
	closedCh := make(chan struct{})
	close(closedCh)
	return closedCh
}

// DialAddresses connects to port on one of the given ips.
func (d *HappyEyeballsDialer) DialAddresses(ctx context.Context, ips []netip.Addr, port string) (StreamConn, error) {
	if len(ips) == 0 {
		return nil, errors.New("no addresses to dial")
	}
	if !d.Enabled || len(ips) == 1 {
		return d.dialSequential(ctx, ips, port)
	}
	return d.dialRace(ctx, ips, port)
}

func (d *HappyEyeballsDialer) dialSequential(ctx context.Context, ips []netip.Addr, port string) (StreamConn, error) {
	var dialErr error
	for _, ip := range ips {
		conn, err := d.dial(ctx, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		dialErr = errors.Join(dialErr, err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, dialErr
}

func (d *HappyEyeballsDialer) dialRace(ctx context.Context, ips []netip.Addr, port string) (StreamConn, error) {
	delay := d.Delay
	if delay <= 0 {
		delay = DefaultHappyEyeballsDelay
	}

	// Indicates to attempts that the search is done, so they don't get stuck.
	searchCtx, searchDone := context.WithCancel(ctx)
	defer searchDone()

	// We keep IPv4s and IPv6 separate and track the last one attempted so we can
	// alternate the address family in the connection attempts.
	var ip4s, ip6s []netip.Addr
	for _, ip := range ips {
		if ip.Is4() || ip.Is4In6() {
			ip4s = append(ip4s, ip.Unmap())
		} else {
			ip6s = append(ip6s, ip)
		}
	}
	var lastDialed netip.Addr
	var dialErr error
	type DialResult struct {
		Conn StreamConn
		Err  error
	}
	// Channel to wait for before a new dial attempt. It starts
	// with a closed channel that doesn't block because there's no
	// wait initially.
	var dialWaitCh <-chan struct{} = newClosedChan()
	var dialCh = make(chan DialResult)

	for opsPending := len(ips); opsPending > 0; {
		var readyToDialCh <-chan struct{}
		if len(ip6s) > 0 || len(ip4s) > 0 {
			readyToDialCh = dialWaitCh
		}
		select {
		// Wait for new attempt done. Dial new IP address.
		case <-readyToDialCh:
			var toDial netip.Addr
			if len(ip6s) == 0 || (lastDialed.Is6() && len(ip4s) > 0) {
				toDial = ip4s[0]
				ip4s = ip4s[1:]
			} else {
				toDial = ip6s[0]
				ip6s = ip6s[1:]
			}
			waitCtx, waitDone := context.WithTimeout(searchCtx, delay)
			dialWaitCh = waitCtx.Done()
			go func(addr string, waitDone context.CancelFunc) {
				// Cancel the wait if the dial return early.
				defer waitDone()
				conn, err := d.dial(searchCtx, addr)
				select {
				case <-searchCtx.Done():
					if conn != nil {
						conn.Close()
					}
				case dialCh <- DialResult{conn, err}:
				}
			}(net.JoinHostPort(toDial.String(), port), waitDone)
			lastDialed = toDial

		// Receive dial result.
		case dialRes := <-dialCh:
			opsPending--
			if dialRes.Err != nil {
				dialErr = errors.Join(dialErr, dialRes.Err)
				continue
			}
			return dialRes.Conn, nil

		// Dial has been canceled. Return.
		case <-searchCtx.Done():
			return nil, searchCtx.Err()
		}
	}
	return nil, fmt.Errorf("all connection attempts failed: %w", dialErr)
}
