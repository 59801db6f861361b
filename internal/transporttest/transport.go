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

// Package transporttest provides an in-memory fake of transport.Transport,
// standing in for a UDP socket in tests the way facebook-time's ptp4u/server
// tests stand in fake clients for real network peers.
package transporttest

import (
	"context"
	"sync"

	"github.com/coapcore/coap/transport"
)

// Sent records one outbound write.
type Sent struct {
	Data []byte
	Dst  transport.Endpoint
}

// Transport is an in-memory transport.Transport that records every write
// and lets a test feed back inbound datagrams via Deliver.
type Transport struct {
	local transport.Endpoint

	mu   sync.Mutex
	sent []Sent
	in   chan transport.Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Transport whose local address is local.
func New(local transport.Endpoint) *Transport {
	return &Transport{
		local:  local,
		in:     make(chan transport.Datagram, 64),
		closed: make(chan struct{}),
	}
}

// LocalEndpoint implements transport.Transport.
func (t *Transport) LocalEndpoint() transport.Endpoint { return t.local }

// WriteTo implements transport.Transport, recording the write.
func (t *Transport) WriteTo(ctx context.Context, b []byte, dst transport.Endpoint) error {
	cp := make([]byte, len(b))
	copy(cp, b)
	t.mu.Lock()
	t.sent = append(t.sent, Sent{Data: cp, Dst: dst})
	t.mu.Unlock()
	return nil
}

// ReadFrom implements transport.Transport, blocking until Deliver is called,
// ctx is cancelled, or Close is called.
func (t *Transport) ReadFrom(ctx context.Context) (transport.Datagram, error) {
	select {
	case d, ok := <-t.in:
		if !ok {
			return transport.Datagram{}, context.Canceled
		}
		return d, nil
	case <-ctx.Done():
		return transport.Datagram{}, ctx.Err()
	case <-t.closed:
		return transport.Datagram{}, context.Canceled
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Deliver injects an inbound datagram as if received from src.
func (t *Transport) Deliver(data []byte, src transport.Endpoint) {
	t.in <- transport.Datagram{Data: data, Src: src}
}

// Sent returns a snapshot of every datagram written so far.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Sent, len(t.sent))
	copy(out, t.sent)
	return out
}
