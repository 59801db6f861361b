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

package proxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func TestParseProxyURIRejectsUnsupportedScheme(t *testing.T) {
	_, err := ParseProxyURI("http://upstream:5683/basic")
	require.Error(t, err)
	var ce *coap.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, coap.ErrProxyingNotSupported, ce.Kind)
}

func TestParseProxyURIDefaultsPort(t *testing.T) {
	target, err := ParseProxyURI("coap://upstream/basic")
	require.NoError(t, err)
	require.Equal(t, coap.DefaultPort, target.Port)
	require.Equal(t, "/basic", target.Path)
}

func TestBuildUpstreamRequestUsesFreshTokenAndMID(t *testing.T) {
	p := New()
	upstream := ep(5683)
	client := ep(9)

	clientReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 0xAAAA, Token: coap.Token{0x01}, Src: client}
	clientReq.Options.Add(coap.NewStringOption(coap.ProxyURI, "coap://upstream:5683/basic"))

	target, err := ParseProxyURI("coap://upstream:5683/basic")
	require.NoError(t, err)

	up := p.BuildUpstreamRequest(clientReq, target, upstream)
	require.Equal(t, coap.CON, up.Type)
	require.NotEqual(t, clientReq.MID, up.MID)
	require.False(t, up.Token.Equal(clientReq.Token))
	require.False(t, up.Options.Has(coap.ProxyURI), "Proxy-Uri must not be forwarded upstream")

	segs := up.Options.URIPathSegments()
	require.Equal(t, []string{"basic"}, segs)
}

func TestRewriteDownstreamRestoresClientTokenAndMID(t *testing.T) {
	p := New()
	upstream := ep(5683)
	client := ep(9)

	clientReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 0x1111, Token: coap.Token{0x07}, Src: client}
	target := &ParsedTarget{Path: "/basic"}
	up := p.BuildUpstreamRequest(clientReq, target, upstream)

	upstreamResp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: up.MID, Token: up.Token, Src: upstream, Payload: []byte("hi")}
	down, ok := p.RewriteDownstream(upstreamResp)
	require.True(t, ok)
	require.Equal(t, clientReq.MID, down.MID)
	require.True(t, down.Token.Equal(clientReq.Token))
	require.Equal(t, coap.ACK, down.Type, "deferred ACK window still armed")
	require.Equal(t, []byte("hi"), down.Payload)
}

func TestRewriteDownstreamUsesCONAfterACKSent(t *testing.T) {
	p := New()
	upstream := ep(5683)
	clientReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1, Token: coap.Token{1}, Src: ep(9)}
	target := &ParsedTarget{Path: "/basic"}
	up := p.BuildUpstreamRequest(clientReq, target, upstream)

	p.MarkACKSent(up.Token)

	upstreamResp := &coap.Message{Type: coap.CON, Code: coap.Content, MID: up.MID, Token: up.Token, Src: upstream}
	down, ok := p.RewriteDownstream(upstreamResp)
	require.True(t, ok)
	require.Equal(t, coap.CON, down.Type)
}

func TestRewriteDownstreamUnsolicitedReturnsFalse(t *testing.T) {
	p := New()
	resp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: 99, Token: coap.Token{9}, Src: ep(5683)}
	_, ok := p.RewriteDownstream(resp)
	require.False(t, ok)
}

func TestGatewayTimeoutCopiesClientTokenAndMID(t *testing.T) {
	clientReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 42, Token: coap.Token{5}}
	resp := GatewayTimeout(clientReq)
	require.Equal(t, coap.GatewayTimeout, resp.Code)
	require.Equal(t, clientReq.MID, resp.MID)
	require.True(t, resp.Token.Equal(clientReq.Token))
}
