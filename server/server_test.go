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

package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/resource"
	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func addBasicResource(t *testing.T, s *Server) {
	t.Helper()
	basic := resource.New("basic", true, true, true)
	basic.Payload = []byte("Basic Resource")
	basic.Handle(coap.GET, func(ctx context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		payload, _, _ := res.Snapshot()
		return &resource.Response{Payload: payload}, nil
	})
	basic.Handle(coap.PUT, func(ctx context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		res.Mutate(func() { res.Payload = req.Payload })
		return &resource.Response{}, nil
	})
	_, err := s.Tree.Add("basic", basic)
	require.NoError(t, err)
}

func TestGetBasicReturnsContent(t *testing.T) {
	s := New(1024)
	addBasicResource(t, s)

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 0x1234, Token: coap.Token{0x41}, Src: ep(1)}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	require.Equal(t, coap.Content, result.Response.Code)
	require.Equal(t, []byte("Basic Resource"), result.Response.Payload)
	require.Equal(t, req.Token, result.Response.Token)
}

func TestGetMissingResourceReturnsNotFound(t *testing.T) {
	s := New(1024)
	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "nope"))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	require.Equal(t, coap.NotFound, result.Response.Code)
}

func TestMethodNotAllowedWhenHandlerMissing(t *testing.T) {
	s := New(1024)
	addBasicResource(t, s)
	req := &coap.Message{Type: coap.CON, Code: coap.DELETE, MID: 1}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	require.Equal(t, coap.MethodNotAllowed, result.Response.Code)
}

func TestObserveRegistrationStampsObserveOption(t *testing.T) {
	s := New(1024)
	addBasicResource(t, s)
	peer := ep(1)

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1, Token: coap.Token{1}, Src: peer}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	req.Options.Add(coap.NewUintOption(coap.Observe, 0))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	opt, ok := result.Response.Options.Get(coap.Observe)
	require.True(t, ok)
	require.Equal(t, uint64(0), opt.Uint())
	require.Equal(t, 1, s.Observers.Len())
}

func TestPutMutationNotifiesObservers(t *testing.T) {
	s := New(1024)
	addBasicResource(t, s)
	peer := ep(1)

	getReq := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1, Token: coap.Token{1}, Src: peer}
	getReq.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	getReq.Options.Add(coap.NewUintOption(coap.Observe, 0))
	s.HandleRequest(context.Background(), getReq, time.Unix(0, 0))

	putReq := &coap.Message{Type: coap.CON, Code: coap.PUT, MID: 2, Payload: []byte("v1")}
	putReq.Options.Add(coap.NewStringOption(coap.URIPath, "basic"))
	result := s.HandleRequest(context.Background(), putReq, time.Unix(1, 0))

	require.Equal(t, coap.Changed, result.Response.Code)
	require.Len(t, result.Notifications, 1)
	require.Equal(t, peer, result.Notifications[0].Dst)
	require.Equal(t, []byte("v1"), result.Notifications[0].Payload)
}

func TestWellKnownCoreDiscoveryListsVisibleResources(t *testing.T) {
	s := New(1024)
	addBasicResource(t, s)
	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1}
	req.Options.Add(coap.NewStringOption(coap.URIPath, ".well-known"))
	req.Options.Add(coap.NewStringOption(coap.URIPath, "core"))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	require.Equal(t, coap.Content, result.Response.Code)
	require.Contains(t, string(result.Response.Payload), "/basic")
}

func TestBlockwiseGetSegmentsLargePayload(t *testing.T) {
	s := New(64)
	big := resource.New("big", true, false, true)
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	big.Payload = payload
	big.Handle(coap.GET, func(ctx context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	_, err := s.Tree.Add("big", big)
	require.NoError(t, err)

	req := &coap.Message{Type: coap.CON, Code: coap.GET, MID: 1, Token: coap.Token{1}}
	req.Options.Add(coap.NewStringOption(coap.URIPath, "big"))

	result := s.HandleRequest(context.Background(), req, time.Unix(0, 0))
	opt, ok := result.Response.Options.Get(coap.Block2)
	require.True(t, ok)
	require.NotEmpty(t, result.Response.Payload)
	require.Less(t, len(result.Response.Payload), len(payload))
	_ = opt
}
