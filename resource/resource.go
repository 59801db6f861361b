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

// Package resource implements the hierarchical resource tree spec.md section
// 4.4 dispatches requests against: path lookup, method handlers, conditional
// request preconditions and CoRE Link Format discovery rendering.
package resource

import (
	"context"
	"sync"

	"github.com/cespare/xxhash"

	"github.com/coapcore/coap"
)

// Response is what a Handler returns on success (spec.md section 4.4 point 5's
// handler contract): a new payload plus optional Location-Path and
// Location-Query. It carries no ETag; the server always sends the
// resource's own ETag.
type Response struct {
	Payload       []byte
	ContentFormat uint16
	LocationPath  []string
	LocationQuery []string
}

// Handler is one method's render function. Returning a *coap.Error maps
// directly to a response code (spec.md section 7); ctx carries cancellation
// for handlers the endpoint runs asynchronously (spec.md section 5's
// async-continuation model).
//
// A handler that cannot complete before ACK_TIMEOUT returns (nil, pending)
// with pending an *AsyncPending instead of a *Response — the separate
// response protocol of spec.md section 4.2, point "Separate response".
type Handler func(ctx context.Context, req *coap.Message, res *Resource) (*Response, error)

// AsyncResult is what an asynchronous handler delivers on Done once its
// background work finishes.
type AsyncResult struct {
	Resp *Response
	Err  error
}

// AsyncPending is the sentinel a Handler returns in place of an error to
// declare itself asynchronous (spec.md section 5: "Long-running handlers
// declare themselves asynchronous by returning a future/continuation").
// The caller empty-ACKs the request and waits on Done for the real result.
type AsyncPending struct {
	Done <-chan AsyncResult
}

func (p *AsyncPending) Error() string { return "resource: handler completes asynchronously" }

// Resource is one node's payload and behavior (spec.md section 3's
// "Resource" data model entry).
type Resource struct {
	Name          string
	Visible       bool
	Observable    bool
	AllowChildren bool

	Payload       []byte
	ContentFormat uint16
	ETag          uint64
	MaxAge        uint32
	ResourceType  string
	InterfaceType string

	// ObserveCount is the 24-bit monotonic sequence RFC 7641 section 3.4
	// compares with wrap-around (observe.Newer); it increments on every
	// mutation alongside ETag.
	ObserveCount uint32

	Handlers map[coap.Code]Handler

	// NewChild is an optional child-resource factory, mirroring the
	// original's Resource.new_resource factory
	// (coapthon2/resources/resource.py's `new_resource`). The server does
	// not call it.
	NewChild func() *Resource

	mu sync.Mutex
}

// New returns an unattached Resource with the given visibility/flags.
func New(name string, visible, observable, allowChildren bool) *Resource {
	return &Resource{
		Name:          name,
		Visible:       visible,
		Observable:    observable,
		AllowChildren: allowChildren,
		Handlers:      make(map[coap.Code]Handler),
	}
}

// Handle registers a method handler.
func (r *Resource) Handle(code coap.Code, h Handler) { r.Handlers[code] = h }

// Mutate runs f under the resource's own lock and then bumps ETag and
// ObserveCount, the "every mutation increments ETag and observe-count"
// invariant from spec.md section 3. f must not call back into the resource
// tree.
func (r *Resource) Mutate(f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f()
	r.touch()
}

// touch bumps ETag/ObserveCount without changing the payload; Mutate and
// SetPayload call it with r.mu held.
func (r *Resource) touch() {
	r.ETag = nextETag(r.ETag, r.Payload)
	r.ObserveCount = (r.ObserveCount + 1) & 0x00FFFFFF
}

// SetPayload replaces the payload and advances ETag/ObserveCount.
func (r *Resource) SetPayload(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Payload = p
	r.touch()
}

// Snapshot returns a read-only copy of the fields handlers are allowed to
// see across a suspension point (spec.md section 5's "handlers ... MUST NOT
// hold references across suspension points").
func (r *Resource) Snapshot() (payload []byte, etag uint64, observeCount uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(r.Payload))
	copy(cp, r.Payload)
	return cp, r.ETag, r.ObserveCount
}

// nextETag derives a new ETag deterministically from the prior one and the
// new payload bytes, using xxhash the way fbclock/daemon/math.go uses a
// hash-based derivation for its running statistics keys.
func nextETag(prev uint64, payload []byte) uint64 {
	h := xxhash.New()
	var prevBytes [8]byte
	for i := 0; i < 8; i++ {
		prevBytes[i] = byte(prev >> (8 * i))
	}
	_, _ = h.Write(prevBytes[:])
	_, _ = h.Write(payload)
	return h.Sum64()
}
