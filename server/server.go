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

// Package server implements spec.md section 4.4: request parsing, path
// resolution, conditional-request preconditions, content negotiation,
// method dispatch, and response-code selection. It glues resource
// (the tree), observe (subscriptions) and blockwise (segmentation)
// together the way coapthon2/layer/resource.py's ResourceLayer does, ported
// to the typed single-threaded model of spec.md section 5.
package server

import (
	"context"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/blockwise"
	"github.com/coapcore/coap/observe"
	"github.com/coapcore/coap/resource"
	"github.com/coapcore/coap/stats"
)

// WellKnownCore is the discovery path (spec.md section 4.4).
const WellKnownCore = ".well-known/core"

// Server dispatches inbound requests against a resource tree, maintaining
// the observe registry and blockwise sessions that requests may touch.
type Server struct {
	Tree       *resource.Tree
	Observers  *observe.Registry
	Blockwise  *blockwise.Manager
	MaxPayload int
	Stats      *stats.Counters
}

// New returns a Server over an empty resource tree.
func New(maxPayload int) *Server {
	return &Server{
		Tree:       resource.NewTree(),
		Observers:  observe.NewRegistry(),
		Blockwise:  blockwise.NewManager(),
		MaxPayload: maxPayload,
		Stats:      &stats.Counters{},
	}
}

// Result is what HandleRequest produces: either a response to send
// immediately/as a separate CON, or notifications to fan out (spec.md
// section 4.5: "every resource mutation ... notification is sent to every
// registered observer").
type Result struct {
	Response      *coap.Message
	Notifications []*coap.Message
	Async         *AsyncCompletion
}

// AsyncCompletion is returned instead of a Response when a handler declared
// itself asynchronous (spec.md section 4.2's separate-response protocol).
// The caller waits on Pending.Done and passes the result to Finish to get the
// deferred response message, addressed back to the original request's token.
type AsyncCompletion struct {
	Pending *resource.AsyncPending
	Finish  func(out *resource.Response, err error) *coap.Message
}

// HandleRequest is the section 4.4 dispatch chain's entry point. now is
// supplied by the caller (the endpoint's clock) so dispatch stays pure and
// testable.
func (s *Server) HandleRequest(ctx context.Context, req *coap.Message, now time.Time) *Result {
	path := strings.Join(req.Options.URIPathSegments(), "/")

	if path == WellKnownCore && req.Code == coap.GET {
		return &Result{Response: s.discover(req)}
	}

	idx, res, full := s.Tree.Lookup(path)
	if !full {
		return &Result{Response: errorResponse(req, coap.NotFound, "resource not found")}
	}

	handler, ok := res.Handlers[req.Code]
	if !ok {
		return &Result{Response: errorResponse(req, coap.MethodNotAllowed, "method not supported")}
	}

	if resp := s.checkPreconditions(req, res); resp != nil {
		return &Result{Response: resp}
	}
	if resp := s.checkAccept(req, res); resp != nil {
		return &Result{Response: resp}
	}

	body := req.Payload
	if req.Options.Has(coap.Block1) {
		assembled, cont, err := s.handleBlock1(req, now)
		if err != nil {
			return &Result{Response: errorResponse(req, coap.RequestEntityTooLarge, err.Error())}
		}
		if cont != nil {
			return &Result{Response: cont}
		}
		body = assembled
	}

	handlerReq := *req
	handlerReq.Payload = body

	out, err := handler(ctx, &handlerReq, res)
	if pending, ok := err.(*resource.AsyncPending); ok {
		return &Result{Async: &AsyncCompletion{
			Pending: pending,
			Finish: func(out *resource.Response, herr error) *coap.Message {
				if herr != nil {
					return s.errorFromHandler(req, herr)
				}
				resp := s.buildSuccessResponse(req, res, out, idx)
				if len(resp.Payload) > s.MaxPayload {
					resp = s.startBlock2(req, resp, now)
				}
				return resp
			},
		}}
	}
	if err != nil {
		return &Result{Response: s.errorFromHandler(req, err)}
	}

	result := &Result{}
	result.Response = s.buildSuccessResponse(req, res, out, idx)

	if req.Code == coap.GET && req.Options.Has(coap.Observe) {
		result.Response = s.applyObserve(req, res, result.Response, now)
	}

	if len(result.Response.Payload) > s.MaxPayload {
		result.Response = s.startBlock2(req, result.Response, now)
	}

	if req.Code != coap.GET && out != nil {
		result.Notifications = s.notifyMutation(path, res, now)
	}

	return result
}

func (s *Server) checkPreconditions(req *coap.Message, res *resource.Resource) *coap.Message {
	if ifMatch := req.Options.All(coap.IfMatch); len(ifMatch) > 0 {
		matched := false
		for _, opt := range ifMatch {
			if len(opt.Value) == 0 {
				matched = true // wildcard: resource exists, so it matches
				break
			}
			if etagString(res.ETag) == string(opt.Value) {
				matched = true
				break
			}
		}
		if !matched {
			return errorResponse(req, coap.PreconditionFailed, "If-Match failed")
		}
	}
	if req.Code == coap.PUT && req.Options.Has(coap.IfNoneMatch) {
		return errorResponse(req, coap.PreconditionFailed, "If-None-Match: resource exists")
	}
	return nil
}

func (s *Server) checkAccept(req *coap.Message, res *resource.Resource) *coap.Message {
	accept, ok := req.Options.Get(coap.Accept)
	if !ok {
		return nil
	}
	if res.ContentFormat != 0 && uint16(accept.Uint()) != res.ContentFormat {
		return errorResponse(req, coap.NotAcceptable, "content-format mismatch")
	}
	return nil
}

// buildSuccessResponse picks the response code per spec.md section 4.4
// point 6 and copies the request's token.
func (s *Server) buildSuccessResponse(req *coap.Message, res *resource.Resource, out *resource.Response, idx resource.NodeIndex) *coap.Message {
	resp := coap.NewPiggybackedResponse(req, coap.Content)

	switch req.Code {
	case coap.GET:
		if etag, ok := req.Options.Get(coap.ETag); ok && string(etag.Value) == etagString(res.ETag) {
			resp.Code = coap.Valid
			resp.Payload = nil
		} else {
			resp.Code = coap.Content
			resp.Payload = out.Payload
			resp.Options.Add(coap.NewOpaqueOption(coap.ETag, []byte(etagString(res.ETag))))
			if res.ContentFormat != 0 {
				resp.Options.Add(coap.NewUintOption(coap.ContentFormat, uint64(res.ContentFormat)))
			}
		}
	case coap.POST:
		resp.Code = coap.Created
		for _, p := range out.LocationPath {
			resp.Options.Add(coap.NewStringOption(coap.LocationPath, p))
		}
		for _, q := range out.LocationQuery {
			resp.Options.Add(coap.NewStringOption(coap.LocationQuery, q))
		}
	case coap.PUT:
		resp.Code = coap.Changed
	case coap.DELETE:
		resp.Code = coap.Deleted
	}
	resp.Options.Sort()
	return resp
}

func (s *Server) errorFromHandler(req *coap.Message, err error) *coap.Message {
	if ce, ok := err.(*coap.Error); ok {
		return errorResponse(req, ce.ResponseCode(), ce.Error())
	}
	return errorResponse(req, coap.InternalServerError, err.Error())
}

func (s *Server) discover(req *coap.Message) *coap.Message {
	resp := coap.NewPiggybackedResponse(req, coap.Content)
	resp.Payload = resource.RenderCoreLinkFormat(s.Tree, req.Options.URIQueryPairs())
	resp.Options.Add(coap.NewUintOption(coap.ContentFormat, resource.LinkFormatContentFormat))
	return resp
}

func errorResponse(req *coap.Message, code coap.Code, reason string) *coap.Message {
	resp := coap.NewPiggybackedResponse(req, code)
	resp.Payload = []byte(reason)
	log.Debugf("request %s %v -> %s: %s", req.Code, req.Options.URIPathSegments(), code, reason)
	return resp
}

func etagString(etag uint64) string {
	return strconv.FormatUint(etag, 16)
}

// handleBlock1 accumulates an inbound Block1 segment. On a non-terminal
// block it returns a 2.31 Continue response and nil assembled body; on the
// terminal block it returns the assembled body and a nil response (spec.md
// section 4.6).
func (s *Server) handleBlock1(req *coap.Message, now time.Time) (assembled []byte, cont *coap.Message, err error) {
	opt, _ := req.Options.Get(coap.Block1)
	num, more, szx := blockwise.DecodeBlockValue(opt.Uint())

	session, ok := s.Blockwise.Lookup(req.Src, req.Token)
	if !ok {
		session = s.Blockwise.Start(req.Src, req.Token, blockwise.Block1In, szx, now, req)
		s.Stats.AddBlockwiseSessions(1)
	}
	if err := session.AppendBlock1(num, req.Payload, now); err != nil {
		s.Blockwise.End(req.Src, req.Token)
		s.Stats.AddBlockwiseSessions(-1)
		return nil, nil, err
	}
	if more {
		resp := coap.NewPiggybackedResponse(req, coap.Continue)
		resp.Options.Add(blockwise.EncodeBlockOption(coap.Block1, num, true, szx))
		return nil, resp, nil
	}
	s.Blockwise.End(req.Src, req.Token)
	s.Stats.AddBlockwiseSessions(-1)
	return session.Buffer, nil, nil
}

// startBlock2 begins (or continues) a Block2 session for an oversized
// response, replacing resp's payload with its first/next block (spec.md
// section 4.6).
func (s *Server) startBlock2(req *coap.Message, resp *coap.Message, now time.Time) *coap.Message {
	defaultSZX := s.preferredSZX()
	szx := defaultSZX
	num := uint32(0)
	if opt, ok := req.Options.Get(coap.Block2); ok {
		var clientSZX uint8
		num, _, clientSZX = blockwise.DecodeBlockValue(opt.Uint())
		szx = blockwise.NegotiateSZX(clientSZX, defaultSZX)
	}

	full := resp.Payload
	session, ok := s.Blockwise.Lookup(req.Src, req.Token)
	if !ok {
		session = s.Blockwise.Start(req.Src, req.Token, blockwise.Block2Out, szx, now, req)
		session.Buffer = full
		s.Stats.AddBlockwiseSessions(1)
	} else {
		full = session.Buffer
	}

	block, more := blockwise.Block2Slice(full, num, szx)
	resp.Payload = block
	resp.Options.Add(blockwise.EncodeBlockOption(coap.Block2, num, more, szx))
	resp.Options.Sort()
	if !more {
		s.Blockwise.End(req.Src, req.Token)
		s.Stats.AddBlockwiseSessions(-1)
	}
	return resp
}

// preferredSZX picks the largest block-size exponent whose block fits
// within MaxPayload, so a server configured with a small MaxPayload (e.g.
// to stay under a constrained link's MTU) actually segments at that size
// rather than always falling back to the protocol maximum of 1024 bytes.
func (s *Server) preferredSZX() uint8 {
	for szx := uint8(blockwise.MaxSZX); szx > blockwise.MinSZX; szx-- {
		if blockwise.BlockSize(szx) <= s.MaxPayload {
			return szx
		}
	}
	return blockwise.MinSZX
}

// applyObserve registers or deregisters (peer, token) on res depending on
// the Observe option's value (spec.md section 4.5), stamping the response
// with the current observe-count on registration.
func (s *Server) applyObserve(req *coap.Message, res *resource.Resource, resp *coap.Message, now time.Time) *coap.Message {
	opt, _ := req.Options.Get(coap.Observe)
	path := strings.Join(req.Options.URIPathSegments(), "/")

	switch opt.Uint() {
	case 0:
		if !res.Observable {
			return resp
		}
		s.Observers.Register(path, req.Src, req.Token, req.Type, now, res.ObserveCount)
		s.Stats.AddObserversActive(1)
		resp.Options.Add(coap.NewUintOption(coap.Observe, uint64(res.ObserveCount)))
		resp.Options.Sort()
	case 1:
		s.Observers.Deregister(req.Src, req.Token)
		s.Stats.AddObserversActive(-1)
	}
	return resp
}

// notifyMutation builds one notification message per active observer of
// path, following a successful mutating method (spec.md section 4.5).
func (s *Server) notifyMutation(path string, res *resource.Resource, now time.Time) []*coap.Message {
	var out []*coap.Message
	for _, o := range s.Observers.ObserversOf(path) {
		typ := coap.NON
		lastCON := o.LastConSentAt
		if lastCON.IsZero() {
			lastCON = o.RegisteredAt
		}
		if o.OriginalType == coap.CON || now.Sub(lastCON) > observe.MaxNonRefresh {
			typ = coap.CON
		}
		msg := &coap.Message{
			Type:    typ,
			Code:    coap.Content,
			Token:   o.Token,
			Payload: res.Payload,
			Dst:     o.Peer,
		}
		msg.Options.Add(coap.NewUintOption(coap.Observe, uint64(res.ObserveCount)))
		out = append(out, msg)
	}
	return out
}
