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

// Package observe implements RFC 7641: the (endpoint, token)-keyed observer
// registry, 24-bit wrap-around-safe observe-count comparison, and
// notification fan-out on resource mutation (spec.md section 4.5).
package observe

import (
	"sync"
	"time"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// Key identifies one observation (spec.md section 3's "Observation" data
// model entry: "Keyed by (endpoint, token)").
type Key struct {
	Peer  transport.Endpoint
	Token string
}

// Observation is the registry's per-subscriber bookkeeping.
type Observation struct {
	ResourcePath  string
	Peer          transport.Endpoint
	Token         coap.Token
	LastNotified  uint32
	LastMID       uint16
	ContentFormat uint16

	// OriginalType is the request's type; CON originators get CON
	// notifications (spec.md section 4.5), the rest get NON.
	OriginalType  coap.Type
	RegisteredAt  time.Time
	LastConSentAt time.Time
}

// Registry is the mutex-guarded observation table. One Registry is shared by
// the whole endpoint, the way facebook-time's ptp4u/server subscription map
// is (spec.md section 5: all protocol state lives behind the event loop).
type Registry struct {
	mu    sync.Mutex
	byKey map[Key]*Observation
	// byPath indexes the same observations by resource path, so a mutation
	// can fan out without scanning every subscriber.
	byPath map[string]map[Key]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[Key]*Observation),
		byPath: make(map[string]map[Key]struct{}),
	}
}

func key(peer transport.Endpoint, token coap.Token) Key {
	return Key{Peer: peer, Token: string(token)}
}

// Register adds (or replaces) an observation for (peer, token) on path,
// triggered by a GET with Observe=0 on an observable resource (spec.md
// section 4.5).
func (r *Registry) Register(path string, peer transport.Endpoint, token coap.Token, reqType coap.Type, now time.Time, initialCount uint32) *Observation {
	k := key(peer, token)
	o := &Observation{
		ResourcePath: path,
		Peer:         peer,
		Token:        append(coap.Token(nil), token...),
		LastNotified: initialCount,
		OriginalType: reqType,
		RegisteredAt: now,
	}
	if reqType == coap.CON {
		o.LastConSentAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(k)
	r.byKey[k] = o
	if r.byPath[path] == nil {
		r.byPath[path] = make(map[Key]struct{})
	}
	r.byPath[path][k] = struct{}{}
	return o
}

// Deregister removes the observation for (peer, token), triggered by
// GET+Observe=1, an RST from the client, or a timed-out CON notification
// (spec.md section 4.5/section 3).
func (r *Registry) Deregister(peer transport.Endpoint, token coap.Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key(peer, token))
}

func (r *Registry) removeLocked(k Key) {
	o, ok := r.byKey[k]
	if !ok {
		return
	}
	delete(r.byKey, k)
	if set := r.byPath[o.ResourcePath]; set != nil {
		delete(set, k)
		if len(set) == 0 {
			delete(r.byPath, o.ResourcePath)
		}
	}
}

// Lookup returns the observation for (peer, token), if any.
func (r *Registry) Lookup(peer transport.Endpoint, token coap.Token) (*Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byKey[key(peer, token)]
	return o, ok
}

// ObserversOf returns every observation registered on path, for fan-out on
// mutation.
func (r *Registry) ObserversOf(path string) []*Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byPath[path]
	out := make([]*Observation, 0, len(set))
	for k := range set {
		out = append(out, r.byKey[k])
	}
	return out
}

// RemoveAllForPath tears down every observer of path and returns the
// removed observations. Neither the server nor the endpoint calls it, so a
// DELETE of a resource leaves that path's observations registered.
func (r *Registry) RemoveAllForPath(path string) []*Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byPath[path]
	out := make([]*Observation, 0, len(set))
	for k := range set {
		out = append(out, r.byKey[k])
		delete(r.byKey, k)
	}
	delete(r.byPath, path)
	return out
}

// RecordNotified updates bookkeeping after a notification is sent.
func (r *Registry) RecordNotified(peer transport.Endpoint, token coap.Token, count uint32, mid uint16, sentAsCON bool, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.byKey[key(peer, token)]
	if !ok {
		return
	}
	o.LastNotified = count
	o.LastMID = mid
	if sentAsCON {
		o.LastConSentAt = now
	}
}

// Len reports the number of active observations, for metrics/tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// Newer implements RFC 7641 section 3.4's wrap-around-safe observe-count
// comparison: v2 is newer than v1 iff
//
//	(v1 < v2 && v2-v1 < 2^23) || (v1 > v2 && v1-v2 > 2^23) || |v1-v2| <= ageThreshold
//
// both values are taken modulo 2^24 (spec.md section 4.5).
func Newer(v1, v2 uint32, ageThreshold uint32) bool {
	const mod = 1 << 24
	const half = 1 << 23
	v1 &= mod - 1
	v2 &= mod - 1
	switch {
	case v1 < v2 && v2-v1 < half:
		return true
	case v1 > v2 && v1-v2 > half:
		return true
	default:
		var diff uint32
		if v1 > v2 {
			diff = v1 - v2
		} else {
			diff = v2 - v1
		}
		return diff <= ageThreshold
	}
}

// MaxNonRefresh is the longest an observer may go without a confirmable
// notification (RFC 7641 section 4.5's 24-hour refresh bound); once it has
// passed, server.notifyMutation sends the next notification as a CON.
const MaxNonRefresh = 24 * time.Hour
