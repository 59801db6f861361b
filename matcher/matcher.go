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

// Package matcher correlates an inbound response to the outbound request
// that caused it, by (endpoint, token) rather than by message ID: the
// message ID changes between a request and its separate response, while the
// token is the only field both share end to end (spec.md section 4.3).
package matcher

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// TokenKey scopes a token to the endpoint that issued it, so two peers
// reusing the same token value never collide.
type TokenKey struct {
	Peer  transport.Endpoint
	Token string
}

func tokenKey(peer transport.Endpoint, token coap.Token) TokenKey {
	return TokenKey{Peer: peer, Token: string(token)}
}

// Callback is invoked exactly once, on the matching response (or on
// expiry/abandon with a nil response).
type Callback func(resp *coap.Message)

// pendingRequest is the origin-side bookkeeping for one outstanding request.
type pendingRequest struct {
	Request  *coap.Message
	Callback Callback
	IssuedAt time.Time
	MID      uint16
	Peer     transport.Endpoint
	TokenKey TokenKey
	acked    bool
}

// Matcher holds the two maps spec.md section 4.3 names: pending indexed by
// (peer, token) for response correlation, and a parallel index by (peer, MID)
// so an ACK/RST -- which only carries a MID -- can mark the same entry
// acknowledged without knowing its token in advance.
type Matcher struct {
	mu      sync.Mutex
	byToken map[TokenKey]*pendingRequest
	byMID   map[exchangeKey]*pendingRequest
}

type exchangeKey struct {
	Peer transport.Endpoint
	MID  uint16
}

// New returns an empty Matcher.
func New() *Matcher {
	return &Matcher{
		byToken: make(map[TokenKey]*pendingRequest),
		byMID:   make(map[exchangeKey]*pendingRequest),
	}
}

// Track registers req as awaiting a response, to be delivered to cb.
func (m *Matcher) Track(req *coap.Message, now time.Time, cb Callback) {
	p := &pendingRequest{
		Request:  req,
		Callback: cb,
		IssuedAt: now,
		MID:      req.MID,
		Peer:     req.Dst,
		TokenKey: tokenKey(req.Dst, req.Token),
	}
	m.mu.Lock()
	m.byToken[p.TokenKey] = p
	m.byMID[exchangeKey{Peer: req.Dst, MID: req.MID}] = p
	m.mu.Unlock()
}

// AckByMID marks the request sharing (peer, mid) as acknowledged, the
// MID-side half of the separate-response protocol (spec.md section 4.3).
// It does not deliver the response and does not remove the token-side
// entry, since the matching response (by token) may still be pending.
func (m *Matcher) AckByMID(peer transport.Endpoint, mid uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := exchangeKey{Peer: peer, MID: mid}
	p, ok := m.byMID[key]
	if !ok {
		return
	}
	p.acked = true
	delete(m.byMID, key)
}

// Resolve looks up the pending request matching resp's (source, token),
// delivers it to the callback, and removes both index entries. ok is false
// if resp is unsolicited, in which case the caller must answer with RST
// (spec.md section 4.3).
func (m *Matcher) Resolve(resp *coap.Message) (ok bool) {
	key := tokenKey(resp.Src, resp.Token)
	m.mu.Lock()
	p, found := m.byToken[key]
	if found {
		delete(m.byToken, key)
		delete(m.byMID, exchangeKey{Peer: p.Peer, MID: p.MID})
	}
	m.mu.Unlock()

	if !found {
		log.Debugf("matcher: unsolicited response from %s token=%s", resp.Src, resp.Token)
		return false
	}
	if p.Callback != nil {
		p.Callback(resp)
	}
	return true
}

// Abandon removes a pending request without a response, used when its
// exchange times out (spec.md section 4.2's MAX_RETRANSMIT exhaustion
// feeding back into the matcher) so it does not leak forever.
func (m *Matcher) Abandon(req *coap.Message) {
	key := tokenKey(req.Dst, req.Token)
	m.mu.Lock()
	p, ok := m.byToken[key]
	if ok {
		delete(m.byToken, key)
		delete(m.byMID, exchangeKey{Peer: p.Peer, MID: p.MID})
	}
	m.mu.Unlock()
	if ok && p.Callback != nil {
		p.Callback(nil)
	}
}

// Len reports the number of outstanding (unresolved) requests, for metrics
// and tests.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// Purge drops entries older than lifetime that were never resolved --
// belt-and-suspenders alongside the reliability layer's own exchange purge,
// for requests whose MID-side timed out but whose token-side was never
// explicitly abandoned.
func (m *Matcher) Purge(now time.Time, lifetime time.Duration) {
	m.mu.Lock()
	var stale []*pendingRequest
	for k, p := range m.byToken {
		if now.Sub(p.IssuedAt) > lifetime {
			delete(m.byToken, k)
			delete(m.byMID, exchangeKey{Peer: p.Peer, MID: p.MID})
			stale = append(stale, p)
		}
	}
	m.mu.Unlock()
	for _, p := range stale {
		if p.Callback != nil {
			p.Callback(nil)
		}
	}
}
