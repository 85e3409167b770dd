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
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// ModePlain queries the resolvers configured in the operating system.
	ModePlain = "plain"
	// ModeDoT queries a DNS-over-TLS server.
	ModeDoT = "dot"
)

const defaultCacheSize = 100000

// sharedLookupTimeout bounds a transport exchange shared by several callers.
const sharedLookupTimeout = 20 * time.Second

// lookupOrder is the order in which families are reported. Both are looked up concurrently.
var lookupOrder = [...]Family{FamilyIPv6, FamilyIPv4}

// ResolvedAddress is an address of a host with its family.
type ResolvedAddress struct {
	Address string
	Family  Family
}

// Observer is notified of cache and transport activity. Implementations must be safe for concurrent use.
type Observer interface {
	CacheLookup(hit bool)
	TransportLookup(family Family, found bool, err error)
}

// ResolverOptions configures a [Resolver].
type ResolverOptions struct {
	// Mode selects the transport: "plain" or "dot". Defaults to "dot".
	// Unknown modes fail at resolution time with a [DNSModeError].
	Mode string
	// CacheSize is the number of answers kept in the cache.
	CacheSize int
	// DoT configures the DNS-over-TLS transport.
	DoT TLSTransportOptions
	// Transport overrides the transport selected by Mode.
	Transport Transport
	Logger    *slog.Logger
	Observer  Observer
}

// Resolver resolves host names to addresses of both families, caching the answers for their TTL.
type Resolver struct {
	mode      string
	transport Transport
	cache     *Cache[string]
	group     singleflight.Group
	logger    *slog.Logger
	observer  Observer
}

// NewResolver creates a [Resolver] with the given options.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	if opts.Mode == "" {
		opts.Mode = ModeDoT
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	cache, err := NewCache[string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS cache: %w", err)
	}
	r := &Resolver{
		mode:      opts.Mode,
		transport: opts.Transport,
		cache:     cache,
		logger:    opts.Logger,
		observer:  opts.Observer,
	}
	if r.transport == nil {
		switch opts.Mode {
		case ModePlain:
			r.transport = NewPlainTransport(opts.Logger)
		case ModeDoT:
			r.transport = NewTLSTransport(opts.DoT)
		}
	}
	return r, nil
}

// Resolve returns the IPv6 and IPv4 addresses of hostname, in that order. Both families are looked up
// concurrently and Resolve returns only after both lookups complete. A family with no address is left
// out; if neither family has an address, Resolve returns a [NoAddressError].
//
// IP literals resolve to themselves without any lookup.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]ResolvedAddress, error) {
	if ip, err := netip.ParseAddr(hostname); err == nil {
		family := FamilyIPv4
		if ip.Is6() && !ip.Is4In6() {
			family = FamilyIPv6
		}
		return []ResolvedAddress{{Address: ip.Unmap().String(), Family: family}}, nil
	}

	var answers [len(lookupOrder)]Answer
	var errs [len(lookupOrder)]error
	var wg sync.WaitGroup
	for i, family := range lookupOrder {
		wg.Add(1)
		go func() {
			defer wg.Done()
			answers[i], errs[i] = r.lookup(ctx, hostname, family)
		}()
	}
	wg.Wait()

	addrs := make([]ResolvedAddress, 0, len(lookupOrder))
	for i, family := range lookupOrder {
		var modeErr *DNSModeError
		if errors.As(errs[i], &modeErr) {
			return nil, modeErr
		}
		if answers[i].Found() {
			addrs = append(addrs, ResolvedAddress{Address: answers[i].Address, Family: family})
		}
	}
	if len(addrs) == 0 {
		return nil, &NoAddressError{Host: hostname, Err: errors.Join(errs[:]...)}
	}
	return addrs, nil
}

func (r *Resolver) lookup(ctx context.Context, hostname string, family Family) (Answer, error) {
	key := fmt.Sprintf("%v,%d", hostname, family)
	if address, ok := r.cache.Get(key); ok {
		r.cacheLookup(true)
		return Answer{Address: address}, nil
	}
	r.cacheLookup(false)

	// Concurrent lookups of the same key share one transport exchange. The exchange outlives the
	// caller that started it, so it runs on a context that only keeps its values.
	ch := r.group.DoChan(key, func() (any, error) {
		if r.transport == nil {
			return Answer{}, &DNSModeError{Mode: r.mode}
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLookupTimeout)
		defer cancel()
		answer, err := r.transport.Lookup(lookupCtx, hostname, family)
		if r.observer != nil {
			r.observer.TransportLookup(family, answer.Found(), err)
		}
		if err != nil {
			return Answer{}, err
		}
		r.cache.Set(key, answer.Address, time.Duration(answer.TTL)*time.Second)
		return answer, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return Answer{}, ctx.Err()
	}
	if res.Err != nil {
		var modeErr *DNSModeError
		if !errors.As(res.Err, &modeErr) {
			r.logger.Debug("DNS lookup failed", slog.String("host", hostname), slog.String("family", family.String()), slog.Any("err", res.Err))
		}
		return Answer{}, res.Err
	}
	return res.Val.(Answer), nil
}

func (r *Resolver) cacheLookup(hit bool) {
	if r.observer != nil {
		r.observer.CacheLookup(hit)
	}
}
