// Copyright 2023 Jigsaw Operations LLC
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
Package ddltimer includes an [IdleTimer] that fires once there has been no activity for a given duration.
Here is an example of how to use the IdleTimer:

	t := ddltimer.New(60 * time.Second)
	defer t.Stop()  // to prevent resource leaks
	go func() {
		for range data {
			t.Touch() // push the deadline forward
		}
	}()
	<-t.Timeout()   // will return after 60 seconds without Touch
*/
package ddltimer

import (
	"sync"
	"time"
)

// IdleTimer is a timer whose deadline moves forward with every call to [IdleTimer.Touch]. It is cheaper than
// resetting a [time.Timer] on every event: Touch only records the time, and the underlying timer re-arms itself
// for the remaining time when it expires early. Multiple subscribers can listen to the time-out channel.
//
// IdleTimer is safe for concurrent use by multiple goroutines.
type IdleTimer struct {
	mu sync.Mutex

	idle    time.Duration
	last    time.Time
	stopped bool
	t       *time.Timer
	c       chan struct{}

	// now is replaced in tests.
	now func() time.Time
}

// New creates an IdleTimer that times out after idle without activity, starting now.
// A non-positive idle means the timer never times out.
func New(idle time.Duration) *IdleTimer {
	d := &IdleTimer{
		idle: idle,
		c:    make(chan struct{}),
		now:  time.Now,
	}
	d.last = d.now()
	if idle > 0 {
		d.mu.Lock()
		d.t = time.AfterFunc(idle, d.expire)
		d.mu.Unlock()
	}
	return d
}

func (d *IdleTimer) expire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if remaining := d.last.Add(d.idle).Sub(d.now()); remaining > 0 {
		d.t.Reset(remaining)
		return
	}
	d.stopped = true
	close(d.c)
}

// Touch records activity, pushing the deadline to idle from now.
func (d *IdleTimer) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = d.now()
}

// Timeout returns a readonly channel that is closed when the timer expires. It never closes if the timer is
// stopped first. This channel can be safely subscribed to by multiple listeners.
func (d *IdleTimer) Timeout() <-chan struct{} {
	return d.c
}

// Stop prevents the timer from firing. It's safe to call Stop multiple times, and after the timer expired.
func (d *IdleTimer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.t != nil {
		d.t.Stop()
	}
}

// Deadline returns the current expiration time. If the timer will never expire, a zero value will be returned.
func (d *IdleTimer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idle <= 0 {
		return time.Time{}
	}
	return d.last.Add(d.idle)
}
