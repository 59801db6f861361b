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

// Package blockwise implements RFC 7959: Block1 (request-body ingress) and
// Block2 (response-body egress) segmentation, keyed by (endpoint, token)
// (spec.md section 4.6).
package blockwise

import (
	"fmt"
	"sync"
	"time"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// MinSZX/MaxSZX bound the block-size exponent (spec.md section 4.6:
// "Block size = 16 * 2^SZX, SZX = 0 => 16B, max 6 => 1024B").
const (
	MinSZX = 0
	MaxSZX = 6
)

// BlockSize returns the byte size for a given SZX.
func BlockSize(szx uint8) int { return 16 << szx }

// EncodeBlockOption packs (num, more, szx) into a Block1/Block2 option value
// per RFC 7959 section 2.2: NUM(variable)|M(1)|SZX(3).
func EncodeBlockOption(number coap.OptionNumber, num uint32, more bool, szx uint8) coap.Option {
	v := num<<4 | uint32(szx)&0x7
	if more {
		v |= 0x8
	}
	return coap.NewUintOption(number, uint64(v))
}

// DecodeBlockValue unpacks a Block1/Block2 option's raw integer value.
func DecodeBlockValue(v uint64) (num uint32, more bool, szx uint8) {
	num = uint32(v >> 4)
	more = v&0x8 != 0
	szx = uint8(v & 0x7)
	return
}

// Direction is which half of RFC 7959 a session is running.
type Direction uint8

const (
	// Block1In is a large request body arriving segment by segment
	// (client -> server ingress).
	Block1In Direction = iota
	// Block2Out is a large response body being served segment by segment
	// (server -> client egress).
	Block2Out
)

// Key scopes a session to the peer and token it's running over.
type Key struct {
	Peer  transport.Endpoint
	Token string
}

// Session is one in-progress blockwise transfer (spec.md section 3's
// "Blockwise session" data model entry).
type Session struct {
	Direction    Direction
	SZX          uint8
	NextBlock    uint32
	Buffer       []byte
	ResourcePath string
	ETag         uint64
	StartedAt    time.Time
	LastSeenAt   time.Time
	// Request is the original request that started the session, retained
	// so Block1's terminal block can be handed to the resource handler
	// with the original method/options (spec.md section 4.6).
	Request *coap.Message
}

// Manager is the mutex-guarded session table, one per endpoint.
type Manager struct {
	mu sync.Mutex
	m  map[Key]*Session
}

// NewManager returns an empty Manager.
func NewManager() *Manager { return &Manager{m: make(map[Key]*Session)} }

func sessionKey(peer transport.Endpoint, token coap.Token) Key {
	return Key{Peer: peer, Token: string(token)}
}

// Start begins a new session for (peer, token).
func (m *Manager) Start(peer transport.Endpoint, token coap.Token, dir Direction, szx uint8, now time.Time, req *coap.Message) *Session {
	s := &Session{Direction: dir, SZX: szx, StartedAt: now, LastSeenAt: now, Request: req}
	m.mu.Lock()
	m.m[sessionKey(peer, token)] = s
	m.mu.Unlock()
	return s
}

// Lookup returns the session for (peer, token), if any.
func (m *Manager) Lookup(peer transport.Endpoint, token coap.Token) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.m[sessionKey(peer, token)]
	return s, ok
}

// End removes the session, releasing its buffer (spec.md section 4.6's
// cleanup triggers: completion, mismatched SZX increase, token reuse for a
// non-blockwise exchange, or EXCHANGE_LIFETIME idle).
func (m *Manager) End(peer transport.Endpoint, token coap.Token) {
	m.mu.Lock()
	delete(m.m, sessionKey(peer, token))
	m.mu.Unlock()
}

// Len reports the number of in-flight sessions, for metrics/tests.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.m)
}

// Purge drops sessions idle longer than lifetime.
func (m *Manager) Purge(now time.Time, lifetime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.m {
		if now.Sub(s.LastSeenAt) > lifetime {
			delete(m.m, k)
		}
	}
}

// AppendBlock1 accumulates an inbound Block1 segment into the session
// buffer, enforcing that segments arrive in order (spec.md section 4.6:
// "The server accumulates by (endpoint, token)").
func (s *Session) AppendBlock1(num uint32, data []byte, now time.Time) error {
	if num != s.NextBlock {
		return fmt.Errorf("out-of-order block: got %d, want %d", num, s.NextBlock)
	}
	s.Buffer = append(s.Buffer, data...)
	s.NextBlock++
	s.LastSeenAt = now
	return nil
}

// Block2Slice returns the k-th block of the cached response payload, and
// whether more blocks follow (spec.md section 4.6: "Subsequent GETs ...
// return the k-th block; M=0 on the last").
func Block2Slice(payload []byte, num uint32, szx uint8) (data []byte, more bool) {
	size := BlockSize(szx)
	start := int(num) * size
	if start >= len(payload) {
		return nil, false
	}
	end := start + size
	if end >= len(payload) {
		return payload[start:], false
	}
	return payload[start:end], true
}

// NegotiateSZX returns the smaller of the client-requested and
// server-preferred SZX: "the server MUST honor it downward" (spec.md
// section 4.6).
func NegotiateSZX(clientRequested, serverPreferred uint8) uint8 {
	if clientRequested < serverPreferred {
		return clientRequested
	}
	return serverPreferred
}
