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

package endpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/internal/clocktest"
	"github.com/coapcore/coap/internal/transporttest"
	"github.com/coapcore/coap/resource"
	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func newFixture(t *testing.T) (*Endpoint, *transporttest.Transport, *clocktest.Clock) {
	t.Helper()
	local := ep(5683)
	tr := transporttest.New(local)
	clk := clocktest.New(time.Unix(0, 0))
	e := New(tr, clk, 1024)

	basic := resource.New("basic", true, true, true)
	basic.Payload = []byte("Basic Resource")
	basic.Handle(coap.GET, func(ctx context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	basic.Handle(coap.PUT, func(ctx context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		res.Mutate(func() { res.Payload = req.Payload })
		return &resource.Response{}, nil
	})
	_, err := e.Server.Tree.Add("basic", basic)
	require.NoError(t, err)
	return e, tr, clk
}

func buildGET(client transport.Endpoint, mid uint16, token coap.Token) []byte {
	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: mid, Token: token, Src: client}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	raw, _ := coap.Encode(req)
	return raw
}

func TestScenario1GetBasicRepliesContent(t *testing.T) {
	e, tr, _ := newFixture(t)
	client := ep(1)

	tr.Deliver(buildGET(client, 0x1234, coap.Token{0x41}), client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.receiveLoop(ctx) }()

	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, time.Millisecond)
	sent := tr.Sent()[0]
	resp, err := coap.Decode(sent.Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.Content, resp.Code)
	require.Equal(t, []byte("Basic Resource"), resp.Payload)
	require.Equal(t, uint16(0x1234), resp.MID)
}

func TestScenario2DuplicateConGetHandledOnceButAckedTwice(t *testing.T) {
	e, tr, _ := newFixture(t)
	client := ep(1)

	raw := buildGET(client, 7, coap.Token{0x01})
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})

	sent := tr.Sent()
	require.Len(t, sent, 2)
	for _, s := range sent {
		resp, err := coap.Decode(s.Data, client, tr.LocalEndpoint())
		require.NoError(t, err)
		require.Equal(t, uint16(7), resp.MID)
		require.Equal(t, coap.Content, resp.Code)
	}
}

func TestObserveRegistrationAndMutationNotifies(t *testing.T) {
	e, tr, clk := newFixture(t)
	client := ep(1)

	getReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1, Token: coap.Token{9}, Src: client}
	getReq.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	getReq.Options.Add(coap.NewUintOption(coap.Observe, 0))
	raw, _ := coap.Encode(getReq)
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})
	require.Equal(t, 1, e.Server.Observers.Len())

	putReq := &coap.Message{Type: coap.NON, Code: coap.PUT, MID: 2, Payload: []byte("v1")}
	putReq.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	rawPut, _ := coap.Encode(putReq)
	clk.Advance(time.Second)
	e.handleDatagram(context.Background(), transport.Datagram{Data: rawPut, Src: ep(2)})

	sent := tr.Sent()
	require.Len(t, sent, 3) // the GET's ACK, the PUT's 2.04 response and the notification
	notif, err := coap.Decode(sent[2].Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), notif.Payload)
	obsOpt, ok := notif.Options.Get(coap.Observe)
	require.True(t, ok)
	require.Equal(t, uint64(1), obsOpt.Uint())
}

func TestUnsolicitedResponseTriggersRST(t *testing.T) {
	e, tr, _ := newFixture(t)
	peer := ep(9)
	resp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: 55, Token: coap.Token{3}, Src: peer}
	raw, _ := coap.Encode(resp)

	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: peer})

	sent := tr.Sent()
	require.Len(t, sent, 1)
	rst, err := coap.Decode(sent[0].Data, peer, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.RST, rst.Type)
	require.Equal(t, uint16(55), rst.MID)
}

func TestProxyForwardsRequestAndRewritesUpstreamResponse(t *testing.T) {
	e, tr, _ := newFixture(t)
	client := ep(1)
	upstream := ep(5684)
	e.Resolver = func(host string, port int) (transport.Endpoint, error) {
		return upstream, nil
	}

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 77, Token: coap.Token{0x55}, Src: client}
	req.Options.Add(coap.NewStringOption(coap.ProxyURI, "coap://origin:5684/basic"))
	raw, _ := coap.Encode(req)
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})

	sent := tr.Sent()
	require.Len(t, sent, 1, "only the upstream request should go out so far")
	upReq, err := coap.Decode(sent[0].Data, upstream, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.CON, upReq.Type)
	require.NotEqual(t, uint16(77), upReq.MID)
	require.False(t, upReq.Token.Equal(req.Token))

	upResp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: upReq.MID, Token: upReq.Token, Src: upstream, Payload: []byte("origin data")}
	rawResp, _ := coap.Encode(upResp)
	e.handleDatagram(context.Background(), transport.Datagram{Data: rawResp, Src: upstream})

	sent = tr.Sent()
	require.Len(t, sent, 2)
	down, err := coap.Decode(sent[1].Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.ACK, down.Type)
	require.Equal(t, uint16(77), down.MID)
	require.True(t, down.Token.Equal(req.Token))
	require.Equal(t, []byte("origin data"), down.Payload)
}

func TestAsyncHandlerSendsEmptyAckThenSeparateResponse(t *testing.T) {
	e, tr, _ := newFixture(t)
	client := ep(1)

	done := make(chan resource.AsyncResult, 1)
	async := resource.New("separate", true, false, false)
	async.Handle(coap.GET, func(_ context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		return nil, &resource.AsyncPending{Done: done}
	})
	_, err := e.Server.Tree.Add("separate", async)
	require.NoError(t, err)

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 0x20, Token: coap.Token{0x77}, Src: client}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "separate"))
	raw, _ := coap.Encode(req)
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})

	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, time.Second, time.Millisecond)
	ack, err := coap.Decode(tr.Sent()[0].Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.ACK, ack.Type)
	require.Equal(t, uint16(0x20), ack.MID)
	require.Equal(t, coap.Code(0), ack.Code, "the separate ACK carries no code, just stopping the retransmit timer")

	done <- resource.AsyncResult{Resp: &resource.Response{Payload: []byte("done later")}}

	require.Eventually(t, func() bool { return len(tr.Sent()) == 2 }, time.Second, time.Millisecond)
	sep, err := coap.Decode(tr.Sent()[1].Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.CON, sep.Type)
	require.Equal(t, coap.Content, sep.Code)
	require.True(t, sep.Token.Equal(req.Token), "the separate response must carry the original request's token")
	require.NotEqual(t, req.MID, sep.MID, "the separate response gets a freshly allocated MID")
	require.Equal(t, []byte("done later"), sep.Payload)
}

func TestProxyUpstreamTimeoutSendsGatewayTimeoutDownstream(t *testing.T) {
	e, tr, clk := newFixture(t)
	client := ep(1)
	upstream := ep(5684)
	e.Resolver = func(host string, port int) (transport.Endpoint, error) {
		return upstream, nil
	}

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 88, Token: coap.Token{0x66}, Src: client}
	req.Options.Add(coap.NewStringOption(coap.ProxyURI, "coap://origin:5684/basic"))
	raw, _ := coap.Encode(req)
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: client})
	require.Len(t, tr.Sent(), 1, "only the upstream request should go out so far")
	upReq, err := coap.Decode(tr.Sent()[0].Data, upstream, tr.LocalEndpoint())
	require.NoError(t, err)

	// Worst-case bound for an upstream CON to exhaust MAX_RETRANSMIT without
	// ever being ACKed, same bound exchange's own retransmit test uses.
	bound := time.Duration(float64(coap.AckTimeout) * float64((1<<(coap.MaxRetransmit+1))-1) * coap.AckRandomFactor)
	elapsed := time.Duration(0)
	step := time.Second
	for elapsed < bound+time.Second {
		clk.Advance(step)
		elapsed += step
		// Stop once a non-empty message reaches the client; the deferred
		// empty ACK sent at ACK_TIMEOUT does not count.
		if sent := tr.Sent(); len(sent) > 1 && sent[len(sent)-1].Dst == client {
			if m, err := coap.Decode(sent[len(sent)-1].Data, client, tr.LocalEndpoint()); err == nil && !m.IsEmpty() {
				break
			}
		}
	}

	sent := tr.Sent()
	require.Greater(t, len(sent), 1, "a gateway-timeout response should have been sent to the client")
	down, err := coap.Decode(sent[len(sent)-1].Data, client, tr.LocalEndpoint())
	require.NoError(t, err)
	require.Equal(t, coap.GatewayTimeout, down.Code)
	require.Equal(t, uint16(88), down.MID)
	require.True(t, down.Token.Equal(req.Token))

	_, _, _, ok := e.Proxy.DownstreamFor(upReq.Token)
	require.False(t, ok, "upstream bookkeeping must be abandoned once the gateway-timeout is sent")
}

func TestRequestTracksAndResolvesViaMatcher(t *testing.T) {
	e, tr, _ := newFixture(t)
	upstream := ep(5684)

	req := &coap.Message{Type: coap.CON, Code: coap.GET, Dst: upstream}
	var got *coap.Message
	err := e.Request(context.Background(), req, func(resp *coap.Message) { got = resp })
	require.NoError(t, err)
	require.Len(t, tr.Sent(), 1)

	resp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: req.MID, Token: req.Token, Src: upstream, Payload: []byte("ok")}
	raw, _ := coap.Encode(resp)
	e.handleDatagram(context.Background(), transport.Datagram{Data: raw, Src: upstream})

	require.NotNil(t, got)
	require.Equal(t, []byte("ok"), got.Payload)
}
