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

package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/blockwise"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/internal/clocktest"
	"github.com/coapcore/coap/internal/transporttest"
	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func newFixture(t *testing.T) (*Client, *endpoint.Endpoint, *transporttest.Transport) {
	t.Helper()
	local := ep(5683)
	tr := transporttest.New(local)
	clk := clocktest.New(time.Unix(0, 0))
	e := endpoint.New(tr, clk, 4096)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()

	peer := ep(1)
	return New(e, peer), e, tr
}

// autoReply drains every datagram the Endpoint sends to peer and answers
// each request once with a fixed response, as if a remote server were
// listening at peer's address.
func autoReply(tr *transporttest.Transport, e *endpoint.Endpoint, peer transport.Endpoint, build func(req *coap.Message) *coap.Message) {
	go func() {
		seen := 0
		for i := 0; i < 100; i++ {
			sent := tr.Sent()
			if len(sent) <= seen {
				time.Sleep(time.Millisecond)
				continue
			}
			for ; seen < len(sent); seen++ {
				req, err := coap.Decode(sent[seen].Data, peer, tr.LocalEndpoint())
				if err != nil {
					continue
				}
				resp := build(req)
				if resp == nil {
					continue
				}
				raw, encErr := coap.Encode(resp)
				if encErr != nil {
					continue
				}
				tr.Deliver(raw, peer)
			}
		}
	}()
}

func TestGetReturnsPayload(t *testing.T) {
	c, e, tr := newFixture(t)
	autoReply(tr, e, ep(1), func(req *coap.Message) *coap.Message {
		return &coap.Message{Type: coap.ACK, Code: coap.Content, MID: req.MID, Token: req.Token, Payload: []byte("hello")}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Get(ctx, "/basic")
	require.NoError(t, err)
	require.Equal(t, coap.Content, resp.Code)
	require.Equal(t, []byte("hello"), resp.Payload)
}

func TestGetReassemblesBlock2Response(t *testing.T) {
	c, e, tr := newFixture(t)
	full := append([]byte("0123456789"), []byte("abcdefghij")...)
	szx := uint8(0) // 16-byte blocks

	autoReply(tr, e, ep(1), func(req *coap.Message) *coap.Message {
		num := uint32(0)
		if opt, ok := req.Options.Get(coap.Block2); ok {
			num, _, _ = blockwise.DecodeBlockValue(opt.Uint())
		}
		data, more := blockwise.Block2Slice(full, num, szx)
		resp := &coap.Message{Type: coap.ACK, Code: coap.Content, MID: req.MID, Token: req.Token, Payload: data}
		resp.Options.Add(blockwise.EncodeBlockOption(coap.Block2, num, more, szx))
		return resp
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Get(ctx, "/big")
	require.NoError(t, err)
	require.Equal(t, full, resp.Payload)
}

func TestPostReturnsResponseCode(t *testing.T) {
	c, e, tr := newFixture(t)
	autoReply(tr, e, ep(1), func(req *coap.Message) *coap.Message {
		require.Equal(t, coap.POST, req.Code)
		return &coap.Message{Type: coap.ACK, Code: coap.Created, MID: req.MID, Token: req.Token}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Post(ctx, "/basic", []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, coap.Created, resp.Code)
}

func TestDeleteReturnsDeleted(t *testing.T) {
	c, e, tr := newFixture(t)
	autoReply(tr, e, ep(1), func(req *coap.Message) *coap.Message {
		require.Equal(t, coap.DELETE, req.Code)
		return &coap.Message{Type: coap.ACK, Code: coap.Deleted, MID: req.MID, Token: req.Token}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := c.Delete(ctx, "/basic")
	require.NoError(t, err)
	require.Equal(t, coap.Deleted, resp.Code)
}

func TestGetTimesOutWithoutResponse(t *testing.T) {
	c, _, _ := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "/unreachable")
	require.Error(t, err)
}

func TestObserveDeliversNotifications(t *testing.T) {
	c, e, tr := newFixture(t)
	peer := ep(1)
	autoReply(tr, e, peer, func(req *coap.Message) *coap.Message {
		return &coap.Message{Type: coap.ACK, Code: coap.Content, MID: req.MID, Token: req.Token, Payload: []byte("v0")}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := make(chan *Response, 1)
	err := c.Observe(ctx, "/basic", func(r *Response) {
		select {
		case received <- r:
		default:
		}
	})
	require.NoError(t, err)

	select {
	case r := <-received:
		require.Equal(t, []byte("v0"), r.Payload)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}
