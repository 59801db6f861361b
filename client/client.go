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

// Package client is the embedder-facing API: a thin synchronous wrapper
// around endpoint.Endpoint.Request that turns the callback-based matcher
// protocol into plain blocking Get/Post/Put/Delete calls, plus an Observe
// helper and client-driven Block2 reassembly for oversized GET responses.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/blockwise"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/transport"
)

// Client wraps an Endpoint with request helpers targeting a single peer.
type Client struct {
	ep   *endpoint.Endpoint
	peer transport.Endpoint
}

// New returns a Client that talks to peer over ep.
func New(ep *endpoint.Endpoint, peer transport.Endpoint) *Client {
	return &Client{ep: ep, peer: peer}
}

// Response is the embedder-visible shape of a completed exchange.
type Response struct {
	Code          coap.Code
	Payload       []byte
	ContentFormat uint16
	ETag          string
	LocationPath  []string
}

func fromMessage(msg *coap.Message) *Response {
	r := &Response{Code: msg.Code, Payload: msg.Payload}
	if opt, ok := msg.Options.Get(coap.ContentFormat); ok {
		r.ContentFormat = uint16(opt.Uint())
	}
	if opt, ok := msg.Options.Get(coap.ETag); ok {
		r.ETag = string(opt.Value)
	}
	for _, opt := range msg.Options.All(coap.LocationPath) {
		r.LocationPath = append(r.LocationPath, opt.String())
	}
	return r
}

// do sends req and blocks for the matched response or ctx's deadline,
// whichever comes first.
func (c *Client) do(ctx context.Context, req *coap.Message) (*coap.Message, error) {
	req.Dst = c.peer
	req.MID = c.ep.NextMID()
	req.Token = coap.NewToken(4)

	done := make(chan *coap.Message, 1)
	if err := c.ep.Request(ctx, req, func(resp *coap.Message) { done <- resp }); err != nil {
		return nil, fmt.Errorf("client: sending request: %w", err)
	}

	select {
	case resp := <-done:
		if resp == nil {
			return nil, fmt.Errorf("client: request to %s abandoned (no response)", c.peer)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newRequest(code coap.Code, path string, payload []byte) *coap.Message {
	req := &coap.Message{Type: coap.CON, Code: code, Payload: payload}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg != "" {
			req.Options.Add(coap.NewStringOption(coap.URIPath, seg))
		}
	}
	return req
}

// Get issues a GET for path, transparently reassembling a Block2-segmented
// response (spec.md section 4.6) before returning.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	req := newRequest(coap.GET, path, nil)
	var assembled []byte
	szx := uint8(blockwise.MaxSZX)
	num := uint32(0)

	for {
		blockReq := *req
		blockReq.Options = append(coap.Options(nil), req.Options...)
		if num > 0 {
			blockReq.Options.Add(blockwise.EncodeBlockOption(coap.Block2, num, false, szx))
		}
		resp, err := c.do(ctx, &blockReq)
		if err != nil {
			return nil, err
		}
		if !coap.IsSuccess(resp.Code) {
			return fromMessage(resp), nil
		}
		assembled = append(assembled, resp.Payload...)

		opt, ok := resp.Options.Get(coap.Block2)
		if !ok {
			out := fromMessage(resp)
			out.Payload = assembled
			return out, nil
		}
		var more bool
		num, more, szx = blockwise.DecodeBlockValue(opt.Uint())
		if !more {
			out := fromMessage(resp)
			out.Payload = assembled
			return out, nil
		}
		num++
	}
}

// Post issues a POST with payload to path.
func (c *Client) Post(ctx context.Context, path string, payload []byte) (*Response, error) {
	resp, err := c.do(ctx, newRequest(coap.POST, path, payload))
	if err != nil {
		return nil, err
	}
	return fromMessage(resp), nil
}

// Put issues a PUT with payload to path.
func (c *Client) Put(ctx context.Context, path string, payload []byte) (*Response, error) {
	resp, err := c.do(ctx, newRequest(coap.PUT, path, payload))
	if err != nil {
		return nil, err
	}
	return fromMessage(resp), nil
}

// Delete issues a DELETE to path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	resp, err := c.do(ctx, newRequest(coap.DELETE, path, nil))
	if err != nil {
		return nil, err
	}
	return fromMessage(resp), nil
}

// Discover fetches and returns the raw CoRE Link Format body of
// /.well-known/core, optionally filtered by query (e.g. "rt=temperature").
func (c *Client) Discover(ctx context.Context, query string) (*Response, error) {
	req := newRequest(coap.GET, endpointWellKnownCore, nil)
	if query != "" {
		req.Options.Add(coap.NewStringOption(coap.URIQuery, query))
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return fromMessage(resp), nil
}

const endpointWellKnownCore = ".well-known/core"

// Observe registers a GET-with-Observe against path and delivers every
// notification to onNotify until ctx is cancelled or the server tears down
// the subscription (spec.md section 4.5). The returned error is nil only if
// the initial registration succeeded; onNotify may still fire after Observe
// returns.
func (c *Client) Observe(ctx context.Context, path string, onNotify func(*Response)) error {
	req := newRequest(coap.GET, path, nil)
	req.Options.Add(coap.NewUintOption(coap.Observe, 0))
	req.Dst = c.peer
	req.MID = c.ep.NextMID()
	req.Token = coap.NewToken(4)

	first := make(chan *coap.Message, 1)
	var once bool
	cb := func(resp *coap.Message) {
		if resp == nil {
			return
		}
		if !once {
			once = true
			select {
			case first <- resp:
			default:
			}
		}
		onNotify(fromMessage(resp))
	}
	if err := c.ep.Request(ctx, req, cb); err != nil {
		return fmt.Errorf("client: registering observe on %s: %w", path, err)
	}

	select {
	case <-first:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(coap.AckTimeout * time.Duration(coap.MaxRetransmit+1)):
		return fmt.Errorf("client: observe registration on %s timed out", path)
	}
}
