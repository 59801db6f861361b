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
	"encoding/binary"
	"fmt"

	"github.com/coapcore/coap/transport"
)

// DefaultMTU is the path-MTU assumption the encoder is bounded by
// (spec.md section 4.1): 1152 bytes total, 1024 of which is payload.
const (
	DefaultMTU        = 1152
	DefaultMaxPayload = 1024
)

const headerSize = 4

// Encode serializes m to its RFC 7252 wire form:
// Ver(2)|T(2)|TKL(4) | Code(8) | MID(16), token, options, 0xFF + payload.
//
// Encoder invariants (spec.md section 4.1): options are emitted in
// ascending-number order, delta/length nibbles are chosen minimally
// (12/13/14), and an empty payload omits the 0xFF marker.
func Encode(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	opts := append(Options(nil), m.Options...)
	opts.Sort()

	buf := make([]byte, 0, headerSize+len(m.Token)+32+len(m.Payload))

	version := m.Version
	if version == 0 {
		version = Version
	}
	b0 := version<<6 | uint8(m.Type)<<4 | uint8(len(m.Token))
	buf = append(buf, b0, uint8(m.Code), 0, 0)
	binary.BigEndian.PutUint16(buf[2:4], m.MID)
	buf = append(buf, m.Token...)

	var lastNumber OptionNumber
	for _, opt := range opts {
		delta := int(opt.Number) - int(lastNumber)
		if delta < 0 {
			return nil, fmt.Errorf("options out of order after sort: %d after %d", opt.Number, lastNumber)
		}
		lastNumber = opt.Number
		buf = appendOption(buf, delta, opt.Value)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, 0xFF)
		buf = append(buf, m.Payload...)
	}

	if len(buf) > DefaultMTU {
		return nil, fmt.Errorf("encoded message is %d bytes, exceeds MTU assumption of %d", len(buf), DefaultMTU)
	}
	return buf, nil
}

// appendOption appends one option's delta/length nibbles (with 13/14-style
// extended encoding) followed by its value bytes.
func appendOption(buf []byte, delta int, value []byte) []byte {
	length := len(value)
	dNibble, dExt := splitNibble(delta)
	lNibble, lExt := splitNibble(length)
	buf = append(buf, uint8(dNibble<<4|lNibble))
	buf = append(buf, dExt...)
	buf = append(buf, lExt...)
	return append(buf, value...)
}

// splitNibble returns the 4-bit nibble to place in the option byte and any
// extended bytes needed for values >= 13 (13 => +1 byte, 14 => +2 bytes).
func splitNibble(v int) (int, []byte) {
	switch {
	case v < 13:
		return v, nil
	case v < 13+256:
		return 13, []byte{uint8(v - 13)}
	default:
		ext := v - 269
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(ext))
		return 14, b
	}
}

// Decode parses a raw UDP datagram into a Message. src/dst are attached to
// the result as Message.Src/Dst; they are not part of the wire bytes.
//
// Decoder error mapping (spec.md section 4.1):
//   - truncated header/token      -> ProtocolMalformed
//   - unknown critical option     -> OptionError (reply 4.02)
//   - 0xFF with no trailing bytes -> OptionError (reply 4.00)
//   - token length 9-15           -> OptionError (reply 4.00)
func Decode(b []byte, src, dst transport.Endpoint) (*Message, error) {
	if len(b) < headerSize {
		return nil, &Error{Kind: ErrMalformed, Err: fmt.Errorf("datagram too short for header: %d bytes", len(b))}
	}
	version := b[0] >> 6
	typ := Type((b[0] >> 4) & 0x3)
	tkl := int(b[0] & 0xf)
	code := Code(b[1])
	mid := binary.BigEndian.Uint16(b[2:4])

	if version != Version {
		return nil, &Error{Kind: ErrMalformed, MID: mid, HasMID: true, Err: fmt.Errorf("unsupported version %d", version)}
	}
	if tkl > MaxTokenLength {
		return nil, &Error{Kind: ErrOption, Code: BadRequest, MID: mid, HasMID: true, Err: fmt.Errorf("illegal token length %d", tkl)}
	}
	if len(b) < headerSize+tkl {
		return nil, &Error{Kind: ErrMalformed, MID: mid, HasMID: true, Err: fmt.Errorf("datagram too short for token of length %d", tkl)}
	}

	m := &Message{
		Version: version,
		Type:    typ,
		Code:    code,
		MID:     mid,
		Token:   append(Token(nil), b[headerSize:headerSize+tkl]...),
		Src:     src,
		Dst:     dst,
	}

	rest := b[headerSize+tkl:]
	opts, payload, err := decodeOptionsAndPayload(rest)
	if err != nil {
		if cerr, ok := err.(*Error); ok {
			cerr.MID = mid
			cerr.HasMID = true
			cerr.Token = m.Token
			return nil, cerr
		}
		return nil, err
	}
	m.Options = opts
	m.Payload = payload

	if err := m.Validate(); err != nil {
		if cerr, ok := err.(*Error); ok {
			cerr.MID = mid
			cerr.HasMID = true
			cerr.Token = m.Token
		}
		return nil, err
	}
	return m, nil
}

func decodeOptionsAndPayload(b []byte) (Options, []byte, error) {
	var opts Options
	var lastNumber OptionNumber
	i := 0
	for i < len(b) {
		if b[i] == 0xFF {
			i++
			if i >= len(b) {
				return nil, nil, &Error{Kind: ErrOption, Code: BadRequest, Err: fmt.Errorf("payload marker with no payload")}
			}
			return opts, b[i:], nil
		}
		deltaNibble := int(b[i] >> 4)
		lengthNibble := int(b[i] & 0xf)
		i++

		if deltaNibble == 15 || lengthNibble == 15 {
			return nil, nil, &Error{Kind: ErrMalformed, Err: fmt.Errorf("reserved nibble value 15 in option header")}
		}

		delta, n, err := extendedValue(deltaNibble, b[i:])
		if err != nil {
			return nil, nil, &Error{Kind: ErrMalformed, Err: err}
		}
		i += n

		length, n, err := extendedValue(lengthNibble, b[i:])
		if err != nil {
			return nil, nil, &Error{Kind: ErrMalformed, Err: err}
		}
		i += n

		if i+length > len(b) {
			return nil, nil, &Error{Kind: ErrMalformed, Err: fmt.Errorf("option value truncated")}
		}
		number := lastNumber + OptionNumber(delta)
		value := append([]byte(nil), b[i:i+length]...)
		i += length

		if _, known := Registry[number]; !known && number.IsCritical() {
			return nil, nil, &Error{Kind: ErrOption, Code: BadOption, Err: fmt.Errorf("unknown critical option %d", number)}
		}

		opts = append(opts, Option{Number: number, Value: value})
		lastNumber = number
	}
	return opts, nil, nil
}

// extendedValue resolves a 4-bit nibble (delta or length) plus any extended
// bytes it requires, returning the resolved value and bytes consumed.
func extendedValue(nibble int, rest []byte) (int, int, error) {
	switch {
	case nibble < 13:
		return nibble, 0, nil
	case nibble == 13:
		if len(rest) < 1 {
			return 0, 0, fmt.Errorf("truncated 1-byte extended option value")
		}
		return 13 + int(rest[0]), 1, nil
	default: // 14
		if len(rest) < 2 {
			return 0, 0, fmt.Errorf("truncated 2-byte extended option value")
		}
		return 269 + int(binary.BigEndian.Uint16(rest[:2])), 2, nil
	}
}
