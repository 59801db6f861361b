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

// Package proxy implements the forward proxy of spec.md section 4.7: it
// originates an upstream request in its own MID/token space for every
// downstream request carrying a Proxy-Uri option, and correlates the
// upstream response back to the original downstream client.
package proxy

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// downstreamExchange is what the proxy remembers about the client-facing
// side of one proxied request, so the upstream response can be rewritten
// back into the shape the client expects (spec.md section 4.7).
type downstreamExchange struct {
	ClientPeer  transport.Endpoint
	ClientMID   uint16
	ClientToken coap.Token
	// DeferredACKArmed is true until the proxy's own empty ACK to the
	// client has been sent; while armed the upstream response is forwarded
	// as an ACK, otherwise as a fresh CON (spec.md section 4.7).
	DeferredACKArmed bool
	// ackTimer is the pending empty-ACK timer armed in BuildUpstreamRequest's
	// caller; stopped once the real response arrives before it fires, so the
	// client never sees both a piggybacked ACK and a stray empty one.
	ackTimer transport.Timer
}

// Proxy holds the upstream correlation maps and the counters that keep the
// upstream token/MID space disjoint from every downstream client's.
type Proxy struct {
	mu              sync.Mutex
	byUpstreamToken map[string]*downstreamExchange
	byUpstreamMID   map[upstreamMIDKey]*downstreamExchange

	nextMID   uint32
	nextToken uint64

	Upstream transport.Endpoint // for tests/single-upstream deployments
}

type upstreamMIDKey struct {
	Upstream transport.Endpoint
	MID      uint16
}

// New returns an empty Proxy.
func New() *Proxy {
	return &Proxy{
		byUpstreamToken: make(map[string]*downstreamExchange),
		byUpstreamMID:   make(map[upstreamMIDKey]*downstreamExchange),
	}
}

// ParsedTarget is a Proxy-Uri option decoded into its parts.
type ParsedTarget struct {
	Scheme string
	Host   string
	Port   int
	Path   string
	Query  string
}

// ParseProxyURI parses the Proxy-Uri option value, rejecting anything but
// coap/coaps (spec.md section 4.7: "rejecting non-coap/coaps schemes with
// 5.05 ProxyingNotSupported").
func ParseProxyURI(raw string) (*ParsedTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &coap.Error{Kind: coap.ErrProxyingNotSupported, Err: fmt.Errorf("invalid Proxy-Uri: %w", err)}
	}
	if u.Scheme != "coap" && u.Scheme != "coaps" {
		return nil, &coap.Error{Kind: coap.ErrProxyingNotSupported, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	port := coap.DefaultPort
	if u.Scheme == "coaps" {
		port = coap.DefaultTLSPort
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, &coap.Error{Kind: coap.ErrProxyingNotSupported, Err: fmt.Errorf("invalid port: %w", err)}
		}
	}
	return &ParsedTarget{Scheme: u.Scheme, Host: u.Hostname(), Port: port, Path: u.Path, Query: u.RawQuery}, nil
}

// BuildUpstreamRequest constructs the request the proxy sends upstream: a
// fresh MID and token (never reusing the client's), safe-to-forward options
// copied through, unsafe ones stripped, always type CON (spec.md
// section 4.7).
func (p *Proxy) BuildUpstreamRequest(clientReq *coap.Message, target *ParsedTarget, upstream transport.Endpoint) *coap.Message {
	mid := uint16(atomic.AddUint32(&p.nextMID, 1))
	token := p.newToken()

	up := &coap.Message{
		Type:  coap.CON,
		Code:  clientReq.Code,
		MID:   mid,
		Token: token,
		Dst:   upstream,
	}
	for _, seg := range splitURIPath(target.Path) {
		up.Options.Add(coap.NewStringOption(coap.URIPath, seg))
	}
	for _, q := range splitQuery(target.Query) {
		up.Options.Add(coap.NewStringOption(coap.URIQuery, q))
	}
	for _, opt := range clientReq.Options {
		if opt.Number == coap.ProxyURI || opt.Number == coap.ProxyScheme || opt.Number == coap.URIPath || opt.Number == coap.URIQuery {
			continue
		}
		if def, ok := coap.Registry[opt.Number]; ok && !def.SafeToForward {
			continue
		}
		up.Options.Add(opt)
	}
	up.Payload = clientReq.Payload
	up.Options.Sort()

	exch := &downstreamExchange{
		ClientPeer:       clientReq.Src,
		ClientMID:        clientReq.MID,
		ClientToken:      append(coap.Token(nil), clientReq.Token...),
		DeferredACKArmed: true,
	}
	p.mu.Lock()
	p.byUpstreamToken[string(token)] = exch
	p.byUpstreamMID[upstreamMIDKey{Upstream: upstream, MID: mid}] = exch
	p.mu.Unlock()

	return up
}

// MarkACKSent disarms the deferred-ACK window for the exchange keyed by
// upstream token, so a later upstream response is forwarded as a fresh CON
// instead of an ACK (spec.md section 4.7).
func (p *Proxy) MarkACKSent(upstreamToken coap.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byUpstreamToken[string(upstreamToken)]; ok {
		e.DeferredACKArmed = false
	}
}

// SetACKTimer records the timer that will fire MarkACKSent for upstreamToken,
// so RewriteDownstream can cancel it if the real response beats the deadline.
func (p *Proxy) SetACKTimer(upstreamToken coap.Token, timer transport.Timer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byUpstreamToken[string(upstreamToken)]; ok {
		e.ackTimer = timer
	}
}

// RewriteDownstream takes the upstream response and produces the message to
// send to the original client: its token/MID restored, type ACK if the
// deferred-ACK window is still open, CON otherwise (spec.md section 4.7).
// ok is false if the response is unsolicited (no matching upstream token).
func (p *Proxy) RewriteDownstream(upstreamResp *coap.Message) (downstream *coap.Message, ok bool) {
	p.mu.Lock()
	exch, found := p.byUpstreamToken[string(upstreamResp.Token)]
	if found {
		delete(p.byUpstreamToken, string(upstreamResp.Token))
		delete(p.byUpstreamMID, upstreamMIDKey{Upstream: upstreamResp.Src, MID: upstreamResp.MID})
		if exch.ackTimer != nil {
			exch.ackTimer.Stop()
		}
	}
	p.mu.Unlock()

	if !found {
		log.Debugf("proxy: unsolicited upstream response from %s token=%s", upstreamResp.Src, upstreamResp.Token)
		return nil, false
	}

	typ := coap.CON
	if exch.DeferredACKArmed {
		typ = coap.ACK
	}
	resp := &coap.Message{
		Type:    typ,
		Code:    upstreamResp.Code,
		MID:     exch.ClientMID,
		Token:   exch.ClientToken,
		Options: upstreamResp.Options,
		Payload: upstreamResp.Payload,
		Dst:     exch.ClientPeer,
	}
	return resp, true
}

// GatewayTimeout builds the 5.04 the proxy returns downstream when the
// upstream exchange never resolves (spec.md section 4.7).
func GatewayTimeout(clientReq *coap.Message) *coap.Message {
	resp := coap.NewPiggybackedResponse(clientReq, coap.GatewayTimeout)
	resp.Payload = []byte("upstream did not respond")
	return resp
}

// DownstreamFor reports the client-facing peer/MID/token still tracked for
// upstreamToken, without removing it. Used by the upstream retransmit
// timeout path to address the 5.04 it sends back to the client; the caller
// still owns calling Abandon once it has used the result.
func (p *Proxy) DownstreamFor(upstreamToken coap.Token) (peer transport.Endpoint, mid uint16, token coap.Token, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exch, found := p.byUpstreamToken[string(upstreamToken)]
	if !found {
		return transport.Endpoint{}, 0, nil, false
	}
	return exch.ClientPeer, exch.ClientMID, exch.ClientToken, true
}

// Abandon removes the upstream-side bookkeeping for a request that timed
// out without a response, so GatewayTimeout's caller doesn't leak it.
func (p *Proxy) Abandon(upstreamToken coap.Token, upstream transport.Endpoint, upstreamMID uint16) {
	p.mu.Lock()
	delete(p.byUpstreamToken, string(upstreamToken))
	delete(p.byUpstreamMID, upstreamMIDKey{Upstream: upstream, MID: upstreamMID})
	p.mu.Unlock()
}

func (p *Proxy) newToken() coap.Token {
	n := atomic.AddUint64(&p.nextToken, 1)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * i))
	}
	return coap.Token(buf[:4])
}

func splitURIPath(path string) []string {
	var segs []string
	cur := ""
	for _, r := range path {
		if r == '/' {
			if cur != "" {
				segs = append(segs, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

func splitQuery(q string) []string {
	if q == "" {
		return nil
	}
	var out []string
	cur := ""
	for _, r := range q {
		if r == '&' {
			out = append(out, cur)
			cur = ""
			continue
		}
		cur += string(r)
	}
	out = append(out, cur)
	return out
}
