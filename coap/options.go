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
	"sort"
)

// OptionNumber is the registered option number (spec.md section 6).
type OptionNumber uint16

// Core option subset (spec.md section 6).
const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
)

// OptionValueFormat is how an option's raw bytes should be interpreted.
type OptionValueFormat uint8

const (
	// OptOpaque is an uninterpreted byte string.
	OptOpaque OptionValueFormat = iota
	// OptString is a UTF-8 string.
	OptString
	// OptUint is a network-byte-order, minimum-length unsigned integer.
	OptUint
)

// OptionDef is a registry entry: (name, format, repeatable?, safe-to-forward?, default).
type OptionDef struct {
	Name           string
	Format         OptionValueFormat
	Repeatable     bool
	SafeToForward  bool
	MinLen, MaxLen int
}

// Registry maps an option number to its definition. safe-to-forward follows
// RFC 7252 table 4 ("Proxy-Unsafe" column, inverted): an option is unsafe to
// forward if changing it could change the semantics for a proxy. This
// registry marks Uri-Host, Observe, Uri-Port, Uri-Path, Uri-Query, Proxy-Uri
// and Proxy-Scheme unsafe, so they are never copied through; everything
// else listed here is marked safe.
var Registry = map[OptionNumber]OptionDef{
	IfMatch:       {Name: "If-Match", Format: OptOpaque, Repeatable: true, SafeToForward: true, MaxLen: 8},
	URIHost:       {Name: "Uri-Host", Format: OptString, SafeToForward: false, MinLen: 1, MaxLen: 255},
	ETag:          {Name: "ETag", Format: OptOpaque, Repeatable: true, SafeToForward: true, MinLen: 1, MaxLen: 8},
	IfNoneMatch:   {Name: "If-None-Match", Format: OptOpaque, SafeToForward: true, MaxLen: 0},
	Observe:       {Name: "Observe", Format: OptUint, SafeToForward: false, MaxLen: 3},
	URIPort:       {Name: "Uri-Port", Format: OptUint, SafeToForward: false, MaxLen: 2},
	LocationPath:  {Name: "Location-Path", Format: OptString, Repeatable: true, SafeToForward: true, MaxLen: 255},
	URIPath:       {Name: "Uri-Path", Format: OptString, Repeatable: true, SafeToForward: false, MaxLen: 255},
	ContentFormat: {Name: "Content-Format", Format: OptUint, SafeToForward: true, MaxLen: 2},
	MaxAge:        {Name: "Max-Age", Format: OptUint, SafeToForward: true, MaxLen: 4},
	URIQuery:      {Name: "Uri-Query", Format: OptString, Repeatable: true, SafeToForward: false, MaxLen: 255},
	Accept:        {Name: "Accept", Format: OptUint, SafeToForward: true, MaxLen: 2},
	LocationQuery: {Name: "Location-Query", Format: OptString, Repeatable: true, SafeToForward: true, MaxLen: 255},
	Block2:        {Name: "Block2", Format: OptUint, SafeToForward: true, MaxLen: 3},
	Block1:        {Name: "Block1", Format: OptUint, SafeToForward: true, MaxLen: 3},
	Size2:         {Name: "Size2", Format: OptUint, SafeToForward: true, MaxLen: 4},
	ProxyURI:      {Name: "Proxy-Uri", Format: OptString, SafeToForward: false, MinLen: 1, MaxLen: 1034},
	ProxyScheme:   {Name: "Proxy-Scheme", Format: OptString, SafeToForward: false, MinLen: 1, MaxLen: 255},
	Size1:         {Name: "Size1", Format: OptUint, SafeToForward: true, MaxLen: 4},
}

// IsCritical reports whether the option number has the critical bit set
// (number & 1 == 1, per spec.md section 4.1's decoder error mapping).
func (n OptionNumber) IsCritical() bool { return n&1 == 1 }

// Option is a single decoded option (spec.md section 3).
type Option struct {
	Number OptionNumber
	Value  []byte
}

// Uint decodes the option value as a network-byte-order minimum-length
// unsigned integer (spec.md section 4.1).
func (o Option) Uint() uint64 {
	var v uint64
	for _, b := range o.Value {
		v = v<<8 | uint64(b)
	}
	return v
}

// String returns the option value interpreted as a UTF-8 string.
func (o Option) String() string { return string(o.Value) }

// NewUintOption encodes v with minimum-length big-endian bytes (spec.md
// section 4.1's encoder invariant).
func NewUintOption(n OptionNumber, v uint64) Option {
	if v == 0 {
		return Option{Number: n}
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return Option{Number: n, Value: append([]byte(nil), buf[i:]...)}
}

// NewStringOption builds a string-valued option.
func NewStringOption(n OptionNumber, v string) Option {
	return Option{Number: n, Value: []byte(v)}
}

// NewOpaqueOption builds an opaque-valued option.
func NewOpaqueOption(n OptionNumber, v []byte) Option {
	return Option{Number: n, Value: append([]byte(nil), v...)}
}

// Options is an ordered option list. Same-number repetitions keep insertion
// order (spec.md section 3); Sort only reorders across distinct numbers,
// which is what the wire encoding (delta-encoded, ascending) requires.
type Options []Option

// Sort reorders options ascending by number with a stable sort, so that
// same-number repetitions keep their relative (insertion) order.
func (o Options) Sort() {
	sort.SliceStable(o, func(i, j int) bool { return o[i].Number < o[j].Number })
}

// Add appends an option, preserving insertion order for repeats.
func (o *Options) Add(opt Option) { *o = append(*o, opt) }

// All returns every option with the given number, in insertion order.
func (o Options) All(n OptionNumber) []Option {
	var out []Option
	for _, opt := range o {
		if opt.Number == n {
			out = append(out, opt)
		}
	}
	return out
}

// Get returns the first option with the given number.
func (o Options) Get(n OptionNumber) (Option, bool) {
	for _, opt := range o {
		if opt.Number == n {
			return opt, true
		}
	}
	return Option{}, false
}

// Has reports whether any option with number n is present.
func (o Options) Has(n OptionNumber) bool {
	_, ok := o.Get(n)
	return ok
}

// URIPathSegments returns the Uri-Path option values in order, the path
// segments the resource tree walks (spec.md section 4.4 point 1).
func (o Options) URIPathSegments() []string {
	var segs []string
	for _, opt := range o.All(URIPath) {
		segs = append(segs, opt.String())
	}
	return segs
}

// URIQueryPairs returns the Uri-Query option values in order.
func (o Options) URIQueryPairs() []string {
	var qs []string
	for _, opt := range o.All(URIQuery) {
		qs = append(qs, opt.String())
	}
	return qs
}
