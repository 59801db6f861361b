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

// Package endpoint implements the single-threaded cooperative event loop of
// spec.md section 5: one goroutine owns the UDP socket, the exchange table,
// the matcher, the resource tree, the observe registry and the blockwise
// sessions, driving them only from the three suspension points the spec
// names (socket receive, timer fire, async handler completion).
package endpoint

import (
	"context"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/exchange"
	"github.com/coapcore/coap/matcher"
	"github.com/coapcore/coap/proxy"
	"github.com/coapcore/coap/server"
	"github.com/coapcore/coap/stats"
	"github.com/coapcore/coap/transport"
)

// ResponseCallback is invoked with the resolved response for a request sent
// via Request, or nil on timeout/abandon.
type ResponseCallback func(resp *coap.Message)

// Endpoint glues C1-C7 together and runs the UDP I/O loop plus the purge
// task (spec.md section 2's C8).
type Endpoint struct {
	Transport transport.Transport
	Clock     transport.Clock
	Server    *server.Server
	Proxy     *proxy.Proxy
	Stats     *stats.Counters

	reliability *exchange.Reliability
	matcher     *matcher.Matcher

	midCounter uint32

	// MulticastGroups identifies destination endpoints this endpoint
	// listens on as a multicast member; requests arriving addressed to one
	// of them get the RFC 7252 section 8.2 leisure-randomized response
	// delay (spec.md section 9's list of named-but-unwired timing
	// constants; SPEC_FULL.md section 7 wires DEFAULT_LEISURE in here).
	MulticastGroups map[transport.Endpoint]bool

	// Resolver turns a Proxy-Uri's host/port into the transport.Endpoint to
	// forward to. Overridable in tests; defaults to resolveUDP, which
	// blocks the event loop goroutine on a DNS lookup for the lifetime of
	// one proxied request's setup (SPEC_FULL.md section 6's forward
	// proxy component).
	Resolver func(host string, port int) (transport.Endpoint, error)

	// ACL is the optional file-loaded resource access policy (nil disables
	// enforcement). See ApplyFileConfig.
	ACL *FileConfig
}

// New builds an Endpoint ready to Run.
func New(tr transport.Transport, clock transport.Clock, maxPayload int) *Endpoint {
	counters := &stats.Counters{}
	srv := server.New(maxPayload)
	srv.Stats = counters
	e := &Endpoint{
		Transport:       tr,
		Clock:           clock,
		Server:          srv,
		Proxy:           proxy.New(),
		Stats:           counters,
		reliability:     exchange.NewReliability(tr, clock),
		matcher:         matcher.New(),
		MulticastGroups: make(map[transport.Endpoint]bool),
	}
	e.reliability.OnTimeout = e.onExchangeTimeout
	e.reliability.OnRetransmit = func(transport.Endpoint, uint16) { e.Stats.IncRetransmits() }
	e.reliability.OnSend = e.Stats.IncDatagramsSent
	e.Resolver = resolveUDP
	return e
}

// resolveUDP is the default Resolver: a synchronous DNS lookup via the
// standard resolver, the way coapthon2's forward proxy resolves a Proxy-Uri
// host before opening the upstream socket.
func resolveUDP(host string, port int) (transport.Endpoint, error) {
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return transport.Endpoint{}, err
	}
	return transport.NewEndpoint(addr.IP, port, addr.Zone), nil
}

// NextMID returns a fresh message ID for an outbound message.
func (e *Endpoint) NextMID() uint16 { return uint16(atomic.AddUint32(&e.midCounter, 1)) }

// RTT exposes the round-trip-time estimate accumulated over this
// endpoint's acknowledged CON exchanges, for wiring into a stats exporter.
func (e *Endpoint) RTT() *exchange.RTTEstimator { return e.reliability.RTT }

// write is the one choke point every outbound datagram passes through, so
// stats.Counters.DatagramsSent stays accurate regardless of which code path
// sent it.
func (e *Endpoint) write(ctx context.Context, raw []byte, dst transport.Endpoint) error {
	err := e.Transport.WriteTo(ctx, raw, dst)
	if err == nil {
		e.Stats.IncDatagramsSent()
	}
	return err
}

// Run drives the receive loop until ctx is cancelled. It also starts the
// periodic purge task on the same errgroup, the way
// ptp/sptp/client supervises its measurement goroutines with
// golang.org/x/sync/errgroup.
func (e *Endpoint) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.receiveLoop(ctx) })
	g.Go(func() error { return e.purgeLoop(ctx) })
	return g.Wait()
}

func (e *Endpoint) receiveLoop(ctx context.Context) error {
	for {
		dgram, err := e.Transport.ReadFrom(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Errorf("endpoint: read error: %v", err)
			continue
		}
		e.handleDatagram(ctx, dgram)
	}
}

func (e *Endpoint) purgeLoop(ctx context.Context) error {
	ticker := time.NewTicker(coap.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.reliability.Purge()
			e.matcher.Purge(e.Clock.Now(), coap.ExchangeLifetime)
			if e.Server != nil {
				e.Server.Blockwise.Purge(e.Clock.Now(), coap.ExchangeLifetime)
			}
		}
	}
}

// handleDatagram is the inbound flow spec.md section 2 describes: "UDP
// datagram -> C1 -> C8 classifies (request/response/empty) -> C3 dedup ->
// C7 may assemble -> C5 walks C2 -> C6 may register observer -> C5
// produces response -> C7 may segment -> C3 schedules CON retransmit -> C1
// -> UDP".
func (e *Endpoint) handleDatagram(ctx context.Context, dgram transport.Datagram) {
	e.Stats.IncDatagramsReceived()
	local := e.Transport.LocalEndpoint()
	msg, err := coap.Decode(dgram.Data, dgram.Src, local)
	if err != nil {
		e.Stats.IncDecodeErrors()
		e.handleDecodeError(ctx, dgram, err)
		return
	}

	switch {
	case msg.Type == coap.ACK:
		// Resolves the retransmit timer for our own outbound CON
		// regardless of whether this ACK is empty (separate-response
		// protocol, spec.md section 4.2) or carries a piggybacked
		// response (spec.md section 4.4 point 7).
		e.reliability.HandleACK(msg)
		e.matcher.AckByMID(msg.Src, msg.MID)
		if !msg.IsEmpty() {
			e.handleResponse(ctx, msg)
		}
	case msg.Type == coap.RST:
		e.handleRST(msg)
	case coap.IsRequest(msg.Code):
		e.handleRequest(ctx, msg)
	case coap.IsResponse(msg.Code):
		e.handleResponse(ctx, msg)
	default:
		log.Debugf("endpoint: dropping unclassifiable message from %s", msg.Src)
	}
}

func (e *Endpoint) handleDecodeError(ctx context.Context, dgram transport.Datagram, err error) {
	ce, ok := err.(*coap.Error)
	if !ok || !ce.HasMID {
		log.Debugf("endpoint: dropping undecodable datagram from %s: %v", dgram.Src, err)
		return
	}
	if ce.Kind == coap.ErrOption && coap.IsRequest(coap.Code(dgram.Data[1])) {
		resp := &coap.Message{Type: coap.NON, Code: ce.ResponseCode(), MID: e.NextMID(), Token: ce.Token, Dst: dgram.Src, Src: e.Transport.LocalEndpoint()}
		if dgram.Data[0]>>4&0x3 == uint8(coap.CON) {
			resp.Type = coap.ACK
			resp.MID = ce.MID
		}
		if raw, encErr := coap.Encode(resp); encErr == nil {
			_ = e.write(ctx, raw, dgram.Src)
		}
		return
	}
	rst := &coap.Message{Type: coap.RST, MID: ce.MID, Dst: dgram.Src, Src: e.Transport.LocalEndpoint()}
	raw, encErr := coap.Encode(rst)
	if encErr != nil {
		return
	}
	_ = e.write(ctx, raw, dgram.Src)
}

func (e *Endpoint) handleRST(msg *coap.Message) {
	state, _ := e.reliability.HandleRST(msg)
	if state != nil && state.Message != nil {
		e.matcher.Abandon(state.Message)
		// An RST answering an observe notification tears down the
		// observation too (spec.md section 4.5: "client replies RST, the
		// observation is removed"). The RST itself carries no token, so
		// the token is taken from the message it rejects.
		if len(state.Message.Token) > 0 {
			e.Server.Observers.Deregister(msg.Src, state.Message.Token)
		}
	}
}

func (e *Endpoint) handleRequest(ctx context.Context, msg *coap.Message) {
	var dup bool
	var state *exchange.State
	if msg.Type == coap.CON {
		state, dup = e.reliability.ReceiveCON(msg.Src, msg.MID)
		if dup {
			e.Stats.IncDuplicatesDropped()
			if state.CachedResponse != nil {
				raw, err := coap.Encode(state.CachedResponse)
				if err == nil {
					_ = e.write(ctx, raw, msg.Src)
				}
			}
			return
		}
	} else {
		if e.reliability.ReceiveNON(msg.Src, msg.MID) {
			e.Stats.IncDuplicatesDropped()
			return
		}
	}
	e.Stats.IncRequestsHandled()

	if msg.Options.Has(coap.ProxyURI) {
		e.Stats.IncProxiedRequests()
		e.handleProxyRequest(ctx, msg)
		return
	}

	path := strings.Join(msg.Options.URIPathSegments(), "/")
	if !e.authorize(path, msg) {
		resp := coap.NewPiggybackedResponse(msg, coap.Forbidden)
		e.sendRequestResult(ctx, msg, &server.Result{Response: resp})
		return
	}

	respond := func() {
		result := e.Server.HandleRequest(ctx, msg, e.Clock.Now())
		if result.Async != nil {
			e.handleAsyncRequest(ctx, msg, result.Async)
			return
		}
		e.sendRequestResult(ctx, msg, result)
	}

	if e.isMulticastDestination(msg.Dst) {
		e.delayForLeisure(respond)
		return
	}
	respond()
}

// handleProxyRequest implements the forward-proxy branch of section 4.7:
// it parses the Proxy-Uri, resolves the upstream endpoint, and originates a
// fresh upstream CON carrying its own MID/token. If the upstream hasn't
// answered by the time a client would start suspecting packet loss, an
// empty ACK is sent to hold the client's exchange open (RFC 7252 section
// 5.2.2's separate-response protocol), and the eventual upstream response
// is forwarded as a fresh CON instead.
func (e *Endpoint) handleProxyRequest(ctx context.Context, msg *coap.Message) {
	opt, _ := msg.Options.Get(coap.ProxyURI)
	target, err := proxy.ParseProxyURI(string(opt.Value))
	if err != nil {
		e.sendProxyError(ctx, msg, err)
		return
	}
	upstream, err := e.Resolver(target.Host, target.Port)
	if err != nil {
		e.sendProxyError(ctx, msg, &coap.Error{Kind: coap.ErrGatewayTimeout, Err: err})
		return
	}

	upReq := e.Proxy.BuildUpstreamRequest(msg, target, upstream)
	if err := e.reliability.SendCON(ctx, upReq); err != nil {
		log.Errorf("endpoint: proxying to %s: %v", upstream, err)
		e.sendProxyError(ctx, msg, &coap.Error{Kind: coap.ErrGatewayTimeout, Err: err})
		return
	}

	if msg.Type == coap.CON {
		timer := e.Clock.AfterFunc(coap.AckTimeout, func() {
			e.Proxy.MarkACKSent(upReq.Token)
			ack := coap.NewACK(msg)
			raw, encErr := coap.Encode(ack)
			if encErr == nil {
				_ = e.write(ctx, raw, msg.Src)
			}
		})
		e.Proxy.SetACKTimer(upReq.Token, timer)
	}
}

func (e *Endpoint) sendProxyError(ctx context.Context, req *coap.Message, err error) {
	code := coap.ProxyingNotSupported
	if ce, ok := err.(*coap.Error); ok {
		code = ce.ResponseCode()
	}
	if code == coap.GatewayTimeout {
		e.Stats.IncGatewayTimeouts()
	}
	resp := coap.NewPiggybackedResponse(req, code)
	resp.Payload = []byte(err.Error())
	raw, encErr := coap.Encode(resp)
	if encErr != nil {
		return
	}
	_ = e.write(ctx, raw, req.Src)
}

// isMulticastDestination reports whether msg was addressed to one of this
// endpoint's joined multicast groups.
func (e *Endpoint) isMulticastDestination(dst transport.Endpoint) bool {
	return e.MulticastGroups[dst]
}

// delayForLeisure schedules respond after a random delay in [0,
// DEFAULT_LEISURE), RFC 7252 section 8.2's congestion-avoidance rule for
// multicast-addressed requests.
func (e *Endpoint) delayForLeisure(respond func()) {
	delay := time.Duration(rand.Int63n(int64(coap.DefaultLeisure)))
	e.Clock.AfterFunc(delay, respond)
}

func (e *Endpoint) sendRequestResult(ctx context.Context, req *coap.Message, result *server.Result) {
	if result.Response != nil {
		raw, err := coap.Encode(result.Response)
		if err != nil {
			log.Errorf("endpoint: encoding response to %s: %v", req.Src, err)
		} else if err := e.write(ctx, raw, req.Src); err != nil {
			log.Errorf("endpoint: writing response to %s: %v", req.Src, err)
		}
		if req.Type == coap.CON {
			e.reliability.SetCachedResponse(req.Src, req.MID, result.Response)
		}
	}
	for _, notif := range result.Notifications {
		e.sendNotification(ctx, notif)
	}
}

// handleAsyncRequest implements the separate-response protocol of spec.md
// section 4.2: a CON request gets an immediate empty ACK to stop the
// client's retransmit timer, then the handler's background work is awaited
// off the receive loop and its result is delivered as a fresh CON (or NON,
// for a NON request) carrying the original token.
func (e *Endpoint) handleAsyncRequest(ctx context.Context, req *coap.Message, async *server.AsyncCompletion) {
	if req.Type == coap.CON {
		ack := coap.NewACK(req)
		raw, err := coap.Encode(ack)
		if err != nil {
			log.Errorf("endpoint: encoding separate ACK to %s: %v", req.Src, err)
		} else if err := e.write(ctx, raw, req.Src); err != nil {
			log.Errorf("endpoint: writing separate ACK to %s: %v", req.Src, err)
		}
	}

	go func() {
		select {
		case result := <-async.Pending.Done:
			resp := async.Finish(result.Resp, result.Err)
			sep := coap.NewSeparateResponse(req, resp.Code, e.NextMID())
			sep.Options = resp.Options
			sep.Payload = resp.Payload
			if sep.Type == coap.CON {
				if err := e.reliability.SendCON(ctx, sep); err != nil {
					log.Errorf("endpoint: sending separate response to %s: %v", req.Src, err)
				}
				return
			}
			raw, err := coap.Encode(sep)
			if err != nil {
				log.Errorf("endpoint: encoding separate response to %s: %v", req.Src, err)
				return
			}
			if err := e.write(ctx, raw, req.Src); err != nil {
				log.Errorf("endpoint: writing separate response to %s: %v", req.Src, err)
			}
		case <-ctx.Done():
		}
	}()
}

// sendNotification transmits one observe fan-out message, tracking it for
// retransmission if it was built as a CON (spec.md section 4.5).
func (e *Endpoint) sendNotification(ctx context.Context, notif *coap.Message) {
	notif.MID = e.NextMID()
	e.Stats.IncNotificationsSent()
	if notif.Type == coap.CON {
		if err := e.reliability.SendCON(ctx, notif); err != nil {
			log.Errorf("endpoint: sending notification to %s: %v", notif.Dst, err)
		}
		return
	}
	raw, err := coap.Encode(notif)
	if err != nil {
		log.Errorf("endpoint: encoding notification to %s: %v", notif.Dst, err)
		return
	}
	if err := e.write(ctx, raw, notif.Dst); err != nil {
		log.Errorf("endpoint: writing notification to %s: %v", notif.Dst, err)
	}
}

func (e *Endpoint) handleResponse(ctx context.Context, msg *coap.Message) {
	if msg.Type == coap.CON {
		ack := coap.NewACK(msg)
		raw, err := coap.Encode(ack)
		if err == nil {
			_ = e.write(ctx, raw, msg.Src)
		}
	}

	if down, ok := e.Proxy.RewriteDownstream(msg); ok {
		e.forwardProxiedResponse(ctx, down)
		return
	}

	if ok := e.matcher.Resolve(msg); !ok {
		e.Stats.IncUnsolicitedRSTSent()
		rst := coap.NewRST(msg)
		raw, err := coap.Encode(rst)
		if err == nil {
			_ = e.write(ctx, raw, msg.Src)
		}
	} else {
		e.Stats.IncResponsesRouted()
	}
}

// forwardProxiedResponse sends the client-facing rewrite of an upstream
// response: as a tracked CON if the deferred-ACK window already closed (so
// the client retransmits it like any other server-originated CON), as an
// untracked ACK otherwise.
func (e *Endpoint) forwardProxiedResponse(ctx context.Context, down *coap.Message) {
	if down.Type == coap.CON {
		if err := e.reliability.SendCON(ctx, down); err != nil {
			log.Errorf("endpoint: forwarding proxied response to %s: %v", down.Dst, err)
		}
		return
	}
	raw, err := coap.Encode(down)
	if err != nil {
		log.Errorf("endpoint: encoding proxied response to %s: %v", down.Dst, err)
		return
	}
	if err := e.write(ctx, raw, down.Dst); err != nil {
		log.Errorf("endpoint: writing proxied response to %s: %v", down.Dst, err)
	}
}

// Request sends req (a CON or NON request) and delivers the eventual
// response to cb, honoring the separate-response protocol transparently
// (spec.md section 4.2/4.3): cb fires once, whether the response is
// piggybacked on the ACK or arrives later as a fresh CON/NON carrying the
// same token.
func (e *Endpoint) Request(ctx context.Context, req *coap.Message, cb ResponseCallback) error {
	if req.MID == 0 {
		req.MID = e.NextMID()
	}
	if len(req.Token) == 0 {
		req.Token = coap.NewToken(4)
	}

	e.matcher.Track(req, e.Clock.Now(), func(resp *coap.Message) {
		if cb != nil {
			cb(resp)
		}
	})

	if req.Type == coap.CON {
		return e.reliability.SendCON(ctx, req)
	}
	raw, err := coap.Encode(req)
	if err != nil {
		return err
	}
	return e.write(ctx, raw, req.Dst)
}

// onExchangeTimeout is the reliability layer's callback when a CON
// exhausts MAX_RETRANSMIT. If msg was a proxy's own upstream request, the
// downstream client that's still waiting gets a 5.04 GatewayTimeout
// (spec.md section 4.7's end-to-end scenario 6); otherwise this tears down
// any attached observer/blockwise state and abandons the matcher entry
// (spec.md section 4.2/4.3).
func (e *Endpoint) onExchangeTimeout(ctx context.Context, peer transport.Endpoint, mid uint16, msg *coap.Message) {
	e.Stats.IncExchangeTimeouts()
	if msg == nil {
		return
	}
	if clientPeer, clientMID, clientToken, ok := e.Proxy.DownstreamFor(msg.Token); ok {
		e.Stats.IncGatewayTimeouts()
		clientReq := &coap.Message{MID: clientMID, Token: clientToken}
		resp := proxy.GatewayTimeout(clientReq)
		raw, err := coap.Encode(resp)
		if err != nil {
			log.Errorf("endpoint: encoding gateway-timeout response to %s: %v", clientPeer, err)
		} else if err := e.write(ctx, raw, clientPeer); err != nil {
			log.Errorf("endpoint: writing gateway-timeout response to %s: %v", clientPeer, err)
		}
		e.Proxy.Abandon(msg.Token, peer, mid)
		return
	}
	e.matcher.Abandon(msg)
	if len(msg.Token) > 0 {
		e.Server.Observers.Deregister(peer, msg.Token)
	}
}
