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

// Package exchange implements spec.md section 4.2: CON retransmission with
// exponential backoff and jitter, inbound duplicate detection by message ID,
// and the separate-response protocol.
package exchange

import (
	"sync"
	"time"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// Key identifies an exchange: a message ID scoped to one endpoint
// (spec.md section 3's "Exchange state" data model entry).
type Key struct {
	Peer transport.Endpoint
	MID  uint16
}

// State is the per-(endpoint, MID) bookkeeping record.
type State struct {
	Message         *coap.Message
	FirstSentAt     time.Time
	RetransmitCount int
	NextFire        time.Time
	Acknowledged    bool
	Rejected        bool
	TimedOut        bool

	// CachedResponse is replayed verbatim on a duplicate inbound CON,
	// without re-invoking the handler (spec.md section 4.2).
	CachedResponse *coap.Message

	timer       transport.Timer
	lastTimeout time.Duration
}

// Table is the mutex-guarded (endpoint, MID) -> State map shared by the
// outbound-retransmit path and the inbound-dedup path. Guarded the way
// facebook-time's ptp4u/server subscription maps are (load/store/delete/
// keys behind one mutex) even though the owning endpoint drives it from a
// single goroutine; the mutex also lets tests and the purge ticker touch it
// from a different goroutine safely.
type Table struct {
	mu sync.Mutex
	m  map[Key]*State
}

// NewTable returns an initialized, empty Table.
func NewTable() *Table {
	return &Table{m: make(map[Key]*State)}
}

func (t *Table) load(k Key) (*State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[k]
	return s, ok
}

func (t *Table) store(k Key, s *State) {
	t.mu.Lock()
	t.m[k] = s
	t.mu.Unlock()
}

func (t *Table) delete(k Key) {
	t.mu.Lock()
	delete(t.m, k)
	t.mu.Unlock()
}

func (t *Table) keys() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]Key, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	return keys
}

// Lookup returns the exchange state for (peer, mid), if any.
func (t *Table) Lookup(peer transport.Endpoint, mid uint16) (*State, bool) {
	return t.load(Key{Peer: peer, MID: mid})
}

// Purge removes exchange records older than lifetime, releasing their
// timers. Called periodically by the endpoint (spec.md section 4.2's
// "Purge task"; interval policy in coap.PurgeInterval, spec.md section 9).
func (t *Table) Purge(now time.Time, lifetime time.Duration) {
	for _, k := range t.keys() {
		s, ok := t.load(k)
		if !ok {
			continue
		}
		if now.Sub(s.FirstSentAt) > lifetime {
			if s.timer != nil {
				s.timer.Stop()
			}
			t.delete(k)
		}
	}
}

// Len reports the number of tracked exchanges, for metrics/tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
