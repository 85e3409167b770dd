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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T, transport Transport) *Resolver {
	t.Helper()
	r, err := NewResolver(ResolverOptions{CacheSize: 16, Transport: transport})
	require.NoError(t, err)
	return r
}

func TestResolverOrder(t *testing.T) {
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		if family == FamilyIPv6 {
			return Answer{Address: "2001:db8:0:0:0:0:0:1", TTL: 60}, nil
		}
		return Answer{Address: "192.0.2.1", TTL: 60}, nil
	}))
	addrs, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, []ResolvedAddress{
		{Address: "2001:db8:0:0:0:0:0:1", Family: FamilyIPv6},
		{Address: "192.0.2.1", Family: FamilyIPv4},
	}, addrs)
}

func TestResolverParallel(t *testing.T) {
	release := make(chan struct{})
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		if family == FamilyIPv6 {
			<-release
			return Answer{Address: "2001:db8:0:0:0:0:0:1", TTL: 60}, nil
		}
		return Answer{Address: "192.0.2.1", TTL: 60}, nil
	}))

	type result struct {
		addrs []ResolvedAddress
		err   error
	}
	done := make(chan result, 1)
	go func() {
		addrs, err := r.Resolve(context.Background(), "example.com")
		done <- result{addrs, err}
	}()

	// The IPv4 answer is cached while the IPv6 lookup is still pending.
	require.Eventually(t, func() bool {
		_, ok := r.cache.Get("example.com,4")
		return ok
	}, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Resolve returned before both families completed")
	default:
	}

	close(release)
	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.addrs, 2)
}

func TestResolverSharedLookupSurvivesCallerCancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var calls atomic.Int32
	var lookupCtxs sync.Map
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		calls.Add(1)
		lookupCtxs.Store(family, ctx)
		started <- struct{}{}
		select {
		case <-release:
			if family == FamilyIPv6 {
				return Answer{TTL: 60}, nil
			}
			return Answer{Address: "192.0.2.1", TTL: 60}, nil
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		}
	}))

	// The first connection starts the lookups and goes away while they are in flight.
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := r.Resolve(firstCtx, "example.com")
		firstDone <- err
	}()
	<-started
	<-started
	type result struct {
		addrs []ResolvedAddress
		err   error
	}
	secondDone := make(chan result, 1)
	go func() {
		addrs, err := r.Resolve(context.Background(), "example.com")
		secondDone <- result{addrs, err}
	}()

	cancelFirst()
	require.ErrorIs(t, <-firstDone, context.Canceled)
	lookupCtxs.Range(func(_, v any) bool {
		require.NoError(t, v.(context.Context).Err())
		return true
	})

	close(release)
	res := <-secondDone
	require.NoError(t, res.err)
	require.Equal(t, []ResolvedAddress{{Address: "192.0.2.1", Family: FamilyIPv4}}, res.addrs)
	require.Equal(t, int32(2), calls.Load())
}

func TestResolverNegativeCache(t *testing.T) {
	var calls [7]atomic.Int32
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		calls[family].Add(1)
		if family == FamilyIPv4 {
			return Answer{TTL: 60}, nil
		}
		return Answer{Address: "2001:db8:0:0:0:0:0:1", TTL: 60}, nil
	}))

	for range 2 {
		addrs, err := r.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
		require.Equal(t, []ResolvedAddress{{Address: "2001:db8:0:0:0:0:0:1", Family: FamilyIPv6}}, addrs)
	}
	require.Equal(t, int32(1), calls[FamilyIPv4].Load())
	require.Equal(t, int32(1), calls[FamilyIPv6].Load())
}

func TestResolverCacheExpiry(t *testing.T) {
	var calls atomic.Int32
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		calls.Add(1)
		return Answer{Address: "192.0.2.1", TTL: 30}, nil
	}))
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r.cache.now = clock.now

	_, err := r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	clock.t = clock.t.Add(31 * time.Second)
	_, err = r.Resolve(context.Background(), "example.com")
	require.NoError(t, err)
	require.Equal(t, int32(4), calls.Load())
}

func TestResolverFamilyError(t *testing.T) {
	var v4Calls atomic.Int32
	lookupErr := errors.New("connection refused")
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		if family == FamilyIPv4 {
			v4Calls.Add(1)
			return Answer{}, lookupErr
		}
		return Answer{Address: "2001:db8:0:0:0:0:0:1", TTL: 60}, nil
	}))

	for range 2 {
		addrs, err := r.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
		require.Len(t, addrs, 1)
	}
	// Failures are not cached.
	require.Equal(t, int32(2), v4Calls.Load())
}

func TestResolverNoAddress(t *testing.T) {
	lookupErr := errors.New("connection refused")
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		if family == FamilyIPv4 {
			return Answer{}, lookupErr
		}
		return Answer{TTL: 60}, nil
	}))
	_, err := r.Resolve(context.Background(), "example.com")
	var noAddr *NoAddressError
	require.ErrorAs(t, err, &noAddr)
	require.Equal(t, "example.com", noAddr.Host)
	require.ErrorIs(t, err, lookupErr)
}

func TestResolverModeError(t *testing.T) {
	r, err := NewResolver(ResolverOptions{Mode: "doh"})
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "example.com")
	var modeErr *DNSModeError
	require.ErrorAs(t, err, &modeErr)
	require.Equal(t, "doh", modeErr.Mode)
}

func TestResolverIPLiteral(t *testing.T) {
	r := newTestResolver(t, FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
		t.Fatal("unexpected lookup")
		return Answer{}, nil
	}))
	addrs, err := r.Resolve(context.Background(), "192.0.2.7")
	require.NoError(t, err)
	require.Equal(t, []ResolvedAddress{{Address: "192.0.2.7", Family: FamilyIPv4}}, addrs)

	addrs, err = r.Resolve(context.Background(), "2001:db8::7")
	require.NoError(t, err)
	require.Equal(t, []ResolvedAddress{{Address: "2001:db8::7", Family: FamilyIPv6}}, addrs)
}

type recordingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	transport []Family
}

func (o *recordingObserver) CacheLookup(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *recordingObserver) TransportLookup(family Family, found bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transport = append(o.transport, family)
}

func TestResolverObserver(t *testing.T) {
	observer := &recordingObserver{}
	r, err := NewResolver(ResolverOptions{
		Observer: observer,
		Transport: FuncTransport(func(ctx context.Context, hostname string, family Family) (Answer, error) {
			return Answer{Address: "192.0.2.1", TTL: 60}, nil
		}),
	})
	require.NoError(t, err)
	for range 2 {
		_, err := r.Resolve(context.Background(), "example.com")
		require.NoError(t, err)
	}
	require.Equal(t, 2, observer.hits)
	require.Equal(t, 2, observer.misses)
	require.ElementsMatch(t, []Family{FamilyIPv4, FamilyIPv6}, observer.transport)
}
