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

package coap

import (
	"crypto/rand"
	"fmt"

	"github.com/coapcore/coap/transport"
)

// MaxTokenLength is RFC 7252's 8-byte token cap.
const MaxTokenLength = 8

// Token is a 0-8 byte opaque request/response correlator.
type Token []byte

func (t Token) String() string { return fmt.Sprintf("%x", []byte(t)) }

// Equal reports byte-value equality, the only equality that matters for
// matcher lookups.
func (t Token) Equal(o Token) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// NewToken returns a fresh unpredictable token of n bytes (4-8 is the
// normative choice per spec.md section 9's design notes on token
// generation: unique per in-flight exchange and unpredictable, unlike the
// original's decimal-counter tokens).
func NewToken(n int) Token {
	if n <= 0 {
		return nil
	}
	if n > MaxTokenLength {
		n = MaxTokenLength
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return Token(b)
}

// Message is the in-memory decoded form of a CoAP datagram (spec.md
// section 3's "Message" data model entry).
type Message struct {
	Version uint8 // always coap.Version; kept as a field for Decode round-trips
	Type    Type
	Code    Code
	MID     uint16
	Token   Token
	Options Options
	Payload []byte

	Src transport.Endpoint
	Dst transport.Endpoint

	// Derived flags, set by the reliability layer as the exchange
	// progresses (spec.md section 3's Message invariants).
	Acknowledged bool
	Rejected     bool
	TimedOut     bool
	Duplicated   bool
}

// Validate enforces the Message invariants from spec.md section 3:
// an empty code carries no token/options/payload, and token length 9-15
// is illegal (already unreachable via NewToken/Decode, but checked at
// construction boundaries too).
func (m *Message) Validate() error {
	if len(m.Token) > MaxTokenLength {
		return &Error{Kind: ErrMalformed, Code: BadRequest, Err: fmt.Errorf("token length %d is illegal", len(m.Token))}
	}
	if m.Code == Empty {
		if len(m.Token) != 0 || len(m.Options) != 0 || len(m.Payload) != 0 {
			return &Error{Kind: ErrMalformed, Err: fmt.Errorf("empty-code message must carry no token, options or payload")}
		}
	}
	return nil
}

// IsEmpty reports whether this is a bare ACK/RST with no code.
func (m *Message) IsEmpty() bool { return m.Code == Empty }

// NewACK builds the empty ACK that answers m (spec.md section 4.2).
func NewACK(m *Message) *Message {
	return &Message{Type: ACK, Code: Empty, MID: m.MID, Src: m.Dst, Dst: m.Src}
}

// NewRST builds the empty RST that answers m (spec.md section 4.2, and the
// unsolicited-response case in section 4.3).
func NewRST(m *Message) *Message {
	return &Message{Type: RST, Code: Empty, MID: m.MID, Src: m.Dst, Dst: m.Src}
}

// NewPiggybackedResponse builds a response of the given code sharing m's
// token and MID, addressed back to m's source (spec.md section 4.4 point 7).
func NewPiggybackedResponse(req *Message, code Code) *Message {
	return &Message{
		Type:    ACK,
		Code:    code,
		MID:     req.MID,
		Token:   req.Token,
		Src:     req.Dst,
		Dst:     req.Src,
	}
}

// NewSeparateResponse builds the later, freshly-MID'd CON (or NON, matching
// the request type) response used by the separate-response protocol
// (spec.md section 4.2).
func NewSeparateResponse(req *Message, code Code, mid uint16) *Message {
	t := CON
	if req.Type == NON {
		t = NON
	}
	return &Message{
		Type:  t,
		Code:  code,
		MID:   mid,
		Token: req.Token,
		Src:   req.Dst,
		Dst:   req.Src,
	}
}
