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
	"io"
	"net"
	"time"

	"github.com/Jigsaw-Code/demergi/internal/ddltimer"
	"github.com/Jigsaw-Code/demergi/transport"
)

var errInactive = errors.New("connection inactive")

// activityWriter touches the idle timer on every successful write.
type activityWriter struct {
	w     io.Writer
	timer *ddltimer.IdleTimer
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.timer.Touch()
	}
	return n, err
}

// streamConn lets connections that can't half-close be relayed, ignoring the half-closes.
type streamConn struct {
	net.Conn
}

func (streamConn) CloseRead() error  { return nil }
func (streamConn) CloseWrite() error { return nil }

func asStreamConn(conn net.Conn) transport.StreamConn {
	if sc, ok := conn.(transport.StreamConn); ok {
		return sc
	}
	return streamConn{conn}
}

// relay copies client to upstream and upstream to client until both directions are done.
// An EOF in one direction is propagated with a half-close. An error in either direction, idle or the end
// of ctx close both connections.
func relay(ctx context.Context, client, upstream transport.StreamConn, idle time.Duration) error {
	timer := ddltimer.New(idle)
	defer timer.Stop()

	closeBoth := func() {
		client.Close()
		upstream.Close()
	}
	errCh := make(chan error, 2)
	go func() {
		_, err := io.Copy(&activityWriter{upstream, timer}, client)
		upstream.CloseWrite()
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(&activityWriter{client, timer}, upstream)
		client.CloseWrite()
		errCh <- err
	}()

	var relayErr error
	for pending := 2; pending > 0; {
		select {
		case err := <-errCh:
			pending--
			if err != nil && relayErr == nil {
				relayErr = err
				closeBoth()
			}
		case <-timer.Timeout():
			closeBoth()
			return errInactive
		case <-ctx.Done():
			closeBoth()
			return ctx.Err()
		}
	}
	return relayErr
}
