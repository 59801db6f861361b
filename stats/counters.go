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

// Package stats carries the endpoint's protocol counters (RX/TX,
// retransmits, timeouts, active observers/blockwise sessions, proxied
// requests) plus process-level health, and exports both as flattened
// JSON-style maps and as Prometheus gauges.
package stats

import "sync/atomic"

// Counters holds the protocol-level event counts an Endpoint updates as it
// runs. Every field is accessed only through atomic operations so it can be
// read by a metrics ticker concurrently with the event loop goroutine.
type Counters struct {
	DatagramsReceived  uint64
	DatagramsSent      uint64
	RequestsHandled    uint64
	ResponsesRouted    uint64
	DuplicatesDropped  uint64
	Retransmits        uint64
	ExchangeTimeouts   uint64
	UnsolicitedRSTSent uint64
	ObserversActive    int64
	NotificationsSent  uint64
	BlockwiseSessions  int64
	ProxiedRequests    uint64
	GatewayTimeouts    uint64
	DecodeErrors       uint64
}

func (c *Counters) IncDatagramsReceived()  { atomic.AddUint64(&c.DatagramsReceived, 1) }
func (c *Counters) IncDatagramsSent()      { atomic.AddUint64(&c.DatagramsSent, 1) }
func (c *Counters) IncRequestsHandled()    { atomic.AddUint64(&c.RequestsHandled, 1) }
func (c *Counters) IncResponsesRouted()    { atomic.AddUint64(&c.ResponsesRouted, 1) }
func (c *Counters) IncDuplicatesDropped()  { atomic.AddUint64(&c.DuplicatesDropped, 1) }
func (c *Counters) IncRetransmits()        { atomic.AddUint64(&c.Retransmits, 1) }
func (c *Counters) IncExchangeTimeouts()   { atomic.AddUint64(&c.ExchangeTimeouts, 1) }
func (c *Counters) IncUnsolicitedRSTSent() { atomic.AddUint64(&c.UnsolicitedRSTSent, 1) }
func (c *Counters) IncNotificationsSent()  { atomic.AddUint64(&c.NotificationsSent, 1) }
func (c *Counters) IncProxiedRequests()    { atomic.AddUint64(&c.ProxiedRequests, 1) }
func (c *Counters) IncGatewayTimeouts()    { atomic.AddUint64(&c.GatewayTimeouts, 1) }
func (c *Counters) IncDecodeErrors()       { atomic.AddUint64(&c.DecodeErrors, 1) }

func (c *Counters) AddObserversActive(delta int64)   { atomic.AddInt64(&c.ObserversActive, delta) }
func (c *Counters) AddBlockwiseSessions(delta int64) { atomic.AddInt64(&c.BlockwiseSessions, delta) }

// Source adapts Snapshot to the Source type PrometheusExporter and
// JSONHandler poll.
func (c *Counters) Source() Source {
	return func() (map[string]uint64, error) { return c.Snapshot(), nil }
}

// Snapshot renders the counters into a flattened map, the shape both
// JSONHandler and PrometheusExporter publish.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"coap.datagrams.received":     atomic.LoadUint64(&c.DatagramsReceived),
		"coap.datagrams.sent":         atomic.LoadUint64(&c.DatagramsSent),
		"coap.requests.handled":       atomic.LoadUint64(&c.RequestsHandled),
		"coap.responses.routed":       atomic.LoadUint64(&c.ResponsesRouted),
		"coap.duplicates.dropped":     atomic.LoadUint64(&c.DuplicatesDropped),
		"coap.exchange.retransmits":   atomic.LoadUint64(&c.Retransmits),
		"coap.exchange.timeouts":      atomic.LoadUint64(&c.ExchangeTimeouts),
		"coap.rst.unsolicited_sent":   atomic.LoadUint64(&c.UnsolicitedRSTSent),
		"coap.observers.active":       uint64(atomic.LoadInt64(&c.ObserversActive)),
		"coap.observe.notified":       atomic.LoadUint64(&c.NotificationsSent),
		"coap.blockwise.sessions":     uint64(atomic.LoadInt64(&c.BlockwiseSessions)),
		"coap.proxy.requests":         atomic.LoadUint64(&c.ProxiedRequests),
		"coap.proxy.gateway_timeouts": atomic.LoadUint64(&c.GatewayTimeouts),
		"coap.decode.errors":          atomic.LoadUint64(&c.DecodeErrors),
	}
}
