/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package clocktest provides a deterministic fake of transport.Clock so the
// reliability/observe/blockwise timers can be driven step-by-step in tests,
// the way ptp/sptp/client's hand-rolled mocks stand in for real hardware
// clocks (ptp/sptp/client/clock_mock_test.go).
package clocktest

import (
	"sort"
	"sync"
	"time"

	"github.com/coapcore/coap/transport"
)

// Clock is a manually-advanced fake implementing transport.Clock.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// New returns a Clock starting at now.
func New(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now implements transport.Clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements transport.Clock.
func (c *Clock) AfterFunc(d time.Duration, f func()) transport.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{fireAt: c.now.Add(d), f: f, active: true}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the clock forward by d, synchronously firing (in fire-time
// order) every timer whose deadline has passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	var due []*fakeTimer
	var remaining []*fakeTimer
	for _, t := range c.pending {
		if t.active && !t.fireAt.After(target) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].fireAt.Before(due[j].fireAt) })
	for _, t := range due {
		t.mu.Lock()
		active := t.active
		t.active = false
		t.mu.Unlock()
		if active {
			t.f()
		}
	}
}

type fakeTimer struct {
	mu     sync.Mutex
	fireAt time.Time
	f      func()
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.active
	t.active = true
	t.fireAt = t.fireAt.Add(d)
	return was
}
