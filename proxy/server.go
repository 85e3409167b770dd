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
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Jigsaw-Code/demergi/transport"
	"github.com/Jigsaw-Code/demergi/transport/httprewrite"
)

// ErrServerClosed is returned by [Server.Serve] and [Server.ListenAndServe] after [Server.Shutdown].
var ErrServerClosed = errors.New("proxy: server closed")

// Server is the proxy server. Its methods are safe for concurrent use.
type Server struct {
	opts     Options
	resolver Resolver
	logger   *slog.Logger
	matcher  *HostMatcher
	dialer   *transport.HappyEyeballsDialer

	// ctx is canceled to force-close all connections.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closed    bool
	conns     sync.WaitGroup
}

// NewServer creates a [Server] that resolves targets with resolver. A nil logger discards the logs.
func NewServer(opts Options, resolver Resolver, logger *slog.Logger) (*Server, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.HTTP == (httprewrite.Options{}) {
		opts.HTTP = httprewrite.DefaultOptions
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		resolver: resolver,
		logger:   logger,
		matcher:  NewHostMatcher(opts.HostList),
		dialer: &transport.HappyEyeballsDialer{
			Dialer:  opts.Dialer,
			Enabled: opts.HappyEyeballs,
			Delay:   opts.HappyEyeballsDelay,
		},
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}, nil
}

// ListenAndServe listens on the TCP address addr and serves connections until ctx is done or the server is
// shut down. When ctx is done, the server is shut down, waiting for active connections for up to the
// inactivity timeout before returning.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := s.opts.ListenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	shutdownDone := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(shutdownDone)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), max(s.opts.InactivityTimeout, time.Second))
		defer cancel()
		s.Shutdown(shutdownCtx)
	})
	err = s.Serve(ln)
	if !stop() {
		<-shutdownDone
	}
	return err
}

// Serve accepts connections on ln and handles each of them in a new goroutine. It always closes ln, and
// returns [ErrServerClosed] after [Server.Shutdown].
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)
	s.logger.Info("Proxy listening", slog.String("address", ln.Addr().String()))

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, syscall.EMFILE) {
				// Back off from transient errors, such as running out of file descriptors.
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.logger.Warn("Accept failed", slog.Any("err", err), slog.Duration("retry", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			ln.Close()
			return err
		}
		tempDelay = 0

		if !s.trackConn() {
			conn.Close()
			return ErrServerClosed
		}
		go func() {
			defer s.conns.Done()
			s.handle(s.ctx, conn)
		}()
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

// trackConn registers a new connection, unless the server is closed.
func (s *Server) trackConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the address of one of the listeners, or nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ln := range s.listeners {
		return ln.Addr()
	}
	return nil
}

// Shutdown stops accepting connections and waits for the active connections to finish. When ctx is done,
// the remaining connections are closed and Shutdown returns the context error after they are released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}
