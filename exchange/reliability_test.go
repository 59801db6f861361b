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

package exchange

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/internal/clocktest"
	"github.com/coapcore/coap/internal/transporttest"
	"github.com/coapcore/coap/transport"
)

func peerEndpoint(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func newFixture(t *testing.T) (*Reliability, *clocktest.Clock, *transporttest.Transport) {
	t.Helper()
	clk := clocktest.New(time.Unix(0, 0))
	tr := transporttest.New(peerEndpoint(5683))
	return NewReliability(tr, clk), clk, tr
}

func TestSendCONRetransmitsUntilTimeout(t *testing.T) {
	r, clk, tr := newFixture(t)
	peer := peerEndpoint(5684)
	msg := &coap.Message{Version: coap.Version, Type: coap.CON, Code: coap.GET, MID: 42, Dst: peer}

	require.NoError(t, r.SendCON(context.Background(), msg))
	require.Len(t, tr.Sent(), 1)
	require.Equal(t, 1, r.Table.Len())

	// Spec's worst-case bound: ACK_TIMEOUT*(2^(MAX_RETRANSMIT+1)-1)*ACK_RANDOM_FACTOR.
	bound := time.Duration(float64(coap.AckTimeout) * float64((1<<(coap.MaxRetransmit+1))-1) * coap.AckRandomFactor)

	var timedOut bool
	r.OnTimeout = func(ctx context.Context, peer transport.Endpoint, mid uint16, m *coap.Message) { timedOut = true }

	elapsed := time.Duration(0)
	step := time.Second
	for elapsed < bound+time.Second {
		clk.Advance(step)
		elapsed += step
		if timedOut {
			break
		}
	}

	require.True(t, timedOut, "CON never timed out within the worst-case bound")
	require.Equal(t, 0, r.Table.Len(), "timed-out exchange must be removed from the table")
	// 1 initial send + up to MAX_RETRANSMIT resends.
	require.LessOrEqual(t, len(tr.Sent()), 1+coap.MaxRetransmit)
	require.GreaterOrEqual(t, len(tr.Sent()), 1+coap.MaxRetransmit)
}

func TestHandleACKStopsRetransmission(t *testing.T) {
	r, clk, tr := newFixture(t)
	peer := peerEndpoint(5684)
	msg := &coap.Message{Version: coap.Version, Type: coap.CON, Code: coap.GET, MID: 7, Dst: peer}

	require.NoError(t, r.SendCON(context.Background(), msg))

	ack := &coap.Message{Version: coap.Version, Type: coap.ACK, Code: coap.Content, MID: 7, Src: peer}
	state, ok := r.HandleACK(ack)
	require.True(t, ok)
	require.True(t, state.Acknowledged)
	require.Equal(t, 0, r.Table.Len())

	// Advancing well past the retransmit window must not produce more sends.
	clk.Advance(time.Minute)
	require.Len(t, tr.Sent(), 1)
}

func TestHandleRSTTearsDownExchange(t *testing.T) {
	r, _, _ := newFixture(t)
	peer := peerEndpoint(5684)
	msg := &coap.Message{Version: coap.Version, Type: coap.CON, Code: coap.GET, MID: 9, Dst: peer}
	require.NoError(t, r.SendCON(context.Background(), msg))

	rst := &coap.Message{Version: coap.Version, Type: coap.RST, MID: 9, Src: peer}
	state, ok := r.HandleRST(rst)
	require.True(t, ok)
	require.True(t, state.Rejected)
	require.Equal(t, 0, r.Table.Len())
}

func TestReceiveCONDeduplicatesByPeerAndMID(t *testing.T) {
	r, _, _ := newFixture(t)
	peer := peerEndpoint(5684)

	first, dup := r.ReceiveCON(peer, 100)
	require.False(t, dup)
	require.NotNil(t, first)

	resp := &coap.Message{Version: coap.Version, Type: coap.ACK, Code: coap.Content, MID: 100}
	r.SetCachedResponse(peer, 100, resp)

	second, dup := r.ReceiveCON(peer, 100)
	require.True(t, dup)
	require.Same(t, first, second)
	require.Equal(t, resp, second.CachedResponse)

	// A different peer with the same MID is a distinct exchange: no MID
	// collision across endpoints.
	other := peerEndpoint(9999)
	_, dup = r.ReceiveCON(other, 100)
	require.False(t, dup)
}

func TestReceiveNONDeduplicates(t *testing.T) {
	r, _, _ := newFixture(t)
	peer := peerEndpoint(5684)

	require.False(t, r.ReceiveNON(peer, 5))
	require.True(t, r.ReceiveNON(peer, 5))
}

func TestPurgeRemovesStaleExchanges(t *testing.T) {
	r, clk, _ := newFixture(t)
	peer := peerEndpoint(5684)
	r.ReceiveNON(peer, 1)
	require.Equal(t, 1, r.Table.Len())

	clk.Advance(coap.ExchangeLifetime + time.Second)
	r.Purge()
	require.Equal(t, 0, r.Table.Len())
}

func TestRTTEstimatorTracksAcknowledgedRoundTrips(t *testing.T) {
	r, clk, _ := newFixture(t)
	peer := peerEndpoint(5684)
	msg := &coap.Message{Version: coap.Version, Type: coap.CON, Code: coap.GET, MID: 1, Dst: peer}
	require.NoError(t, r.SendCON(context.Background(), msg))

	clk.Advance(100 * time.Millisecond)
	ack := &coap.Message{Version: coap.Version, Type: coap.ACK, Code: coap.Content, MID: 1, Src: peer}
	_, ok := r.HandleACK(ack)
	require.True(t, ok)
	require.InDelta(t, 0.1, r.RTT.Mean().Seconds(), 0.01)
}
