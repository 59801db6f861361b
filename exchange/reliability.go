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

package exchange

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// TimeoutFunc is invoked once an outbound CON has exhausted MAX_RETRANSMIT
// retries without an ACK/RST. ctx is the same context SendCON was called
// with, so a timeout handler that still needs to write a message (e.g. a
// proxy's downstream 5.04) can do so without inventing its own.
type TimeoutFunc func(ctx context.Context, peer transport.Endpoint, mid uint16, msg *coap.Message)

// Reliability drives retransmission and deduplication over a shared Table.
// One Reliability is owned by exactly one endpoint.
type Reliability struct {
	Table     *Table
	Clock     transport.Clock
	Transport transport.Transport
	RTT       *RTTEstimator
	OnTimeout TimeoutFunc
	// OnRetransmit, if set, is called each time a CON is resent after its
	// backoff timer fires (spec.md section 4.2). Used by stats.Counters to
	// track the retransmit rate; nil-safe for callers that don't care.
	OnRetransmit func(peer transport.Endpoint, mid uint16)
	// OnSend, if set, is called after every successful WriteTo this package
	// issues (initial CON send and retransmits alike), so stats.Counters can
	// track total datagrams sent without every caller remembering to.
	OnSend func()
}

// NewReliability builds a Reliability bound to tr/clock, with its own Table.
func NewReliability(tr transport.Transport, clock transport.Clock) *Reliability {
	return &Reliability{
		Table:     NewTable(),
		Clock:     clock,
		Transport: tr,
		RTT:       NewRTTEstimator(),
	}
}

// SendCON transmits msg (which must be a CON) and schedules the
// exponential-backoff retransmit timer (spec.md section 4.2). Non-CON
// messages are sent once, untracked.
func (r *Reliability) SendCON(ctx context.Context, msg *coap.Message) error {
	raw, err := coap.Encode(msg)
	if err != nil {
		return err
	}
	if err := r.Transport.WriteTo(ctx, raw, msg.Dst); err != nil {
		return err
	}
	if r.OnSend != nil {
		r.OnSend()
	}
	if msg.Type != coap.CON {
		return nil
	}

	now := r.Clock.Now()
	state := &State{Message: msg, FirstSentAt: now}
	key := Key{Peer: msg.Dst, MID: msg.MID}
	r.Table.store(key, state)

	timeout := firstTimeout()
	state.NextFire = now.Add(timeout)
	state.lastTimeout = timeout
	state.timer = r.Clock.AfterFunc(timeout, func() { r.retransmit(ctx, key) })
	return nil
}

// retransmit fires on the Clock's timer goroutine; it re-sends the cached
// message and reschedules, or gives up after MAX_RETRANSMIT (spec.md
// section 4.2).
func (r *Reliability) retransmit(ctx context.Context, key Key) {
	state, ok := r.Table.load(key)
	if !ok || state.Acknowledged || state.Rejected {
		return
	}
	if state.RetransmitCount >= coap.MaxRetransmit {
		state.TimedOut = true
		r.Table.delete(key)
		log.Debugf("exchange %v to %s timed out after %d retransmits", key.MID, key.Peer, state.RetransmitCount)
		if r.OnTimeout != nil {
			r.OnTimeout(ctx, key.Peer, key.MID, state.Message)
		}
		return
	}

	raw, err := coap.Encode(state.Message)
	if err != nil {
		log.Errorf("re-encoding message %v for retransmit: %v", key.MID, err)
		return
	}
	if err := r.Transport.WriteTo(ctx, raw, key.Peer); err != nil {
		log.Errorf("retransmitting message %v to %s: %v", key.MID, key.Peer, err)
	} else if r.OnSend != nil {
		r.OnSend()
	}
	state.RetransmitCount++
	timeout := nextTimeout(state.lastTimeout)
	state.lastTimeout = timeout
	state.NextFire = r.Clock.Now().Add(timeout)
	state.timer = r.Clock.AfterFunc(timeout, func() { r.retransmit(ctx, key) })
	if r.OnRetransmit != nil {
		r.OnRetransmit(key.Peer, key.MID)
	}
}

// HandleACK processes an inbound ACK that answers an outbound CON. Returns
// the resolved state and true if one was pending; stops the retransmit
// timer and records the measured RTT.
func (r *Reliability) HandleACK(msg *coap.Message) (*State, bool) {
	key := Key{Peer: msg.Src, MID: msg.MID}
	state, ok := r.Table.load(key)
	if !ok {
		return nil, false
	}
	state.Acknowledged = true
	if state.timer != nil {
		state.timer.Stop()
	}
	r.RTT.Observe(r.Clock.Now().Sub(state.FirstSentAt))
	r.Table.delete(key)
	return state, true
}

// HandleRST processes an inbound RST answering an outbound CON, the same
// way HandleACK does but marking Rejected (spec.md section 4.2/4.3: RST
// also tears down any attached observer/blockwise session, done by the
// caller using the returned state's Message).
func (r *Reliability) HandleRST(msg *coap.Message) (*State, bool) {
	key := Key{Peer: msg.Src, MID: msg.MID}
	state, ok := r.Table.load(key)
	if !ok {
		return nil, false
	}
	state.Rejected = true
	if state.timer != nil {
		state.timer.Stop()
	}
	r.Table.delete(key)
	return state, true
}

// ReceiveCON records (or finds) the dedup slot for an inbound CON keyed by
// (source, MID). duplicate is true if this MID was already seen within
// EXCHANGE_LIFETIME, in which case the caller should resend state's
// CachedResponse (if any) without re-invoking the handler, or do nothing if
// the handler is still in flight (CachedResponse is nil).
func (r *Reliability) ReceiveCON(peer transport.Endpoint, mid uint16) (state *State, duplicate bool) {
	key := Key{Peer: peer, MID: mid}
	if existing, ok := r.Table.load(key); ok {
		return existing, true
	}
	state = &State{FirstSentAt: r.Clock.Now()}
	r.Table.store(key, state)
	return state, false
}

// ReceiveNON reports whether this NON (source, MID) pair was already seen;
// duplicates are dropped silently with no cached-response replay (spec.md
// section 4.2).
func (r *Reliability) ReceiveNON(peer transport.Endpoint, mid uint16) (duplicate bool) {
	key := Key{Peer: peer, MID: mid}
	if _, ok := r.Table.load(key); ok {
		return true
	}
	r.Table.store(key, &State{FirstSentAt: r.Clock.Now()})
	return false
}

// SetCachedResponse attaches the response that was sent for an inbound
// exchange so a later duplicate can be answered without re-invoking the
// handler.
func (r *Reliability) SetCachedResponse(peer transport.Endpoint, mid uint16, resp *coap.Message) {
	if state, ok := r.Table.load(Key{Peer: peer, MID: mid}); ok {
		state.CachedResponse = resp
	}
}

// Purge sweeps stale exchange records (spec.md section 4.2's purge task).
func (r *Reliability) Purge() {
	r.Table.Purge(r.Clock.Now(), coap.ExchangeLifetime)
}
