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

// Package resources registers coapd's demo resource tree: the worked
// example set from the original CoAP teaching server (BasicResource,
// Storage, Child, Separate, Long, Big) plus a ComputedResource that
// evaluates a govaluate expression against query parameters.
package resources

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Knetic/govaluate"
	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/resource"
)

var childCounter uint64

func nextChildName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, atomic.AddUint64(&childCounter, 1))
}

// Register populates tree with the full demo resource set rooted at /.
func Register(tree *resource.Tree) error {
	if _, err := tree.Add("basic", newBasicResource(tree, "basic", "Basic Resource")); err != nil {
		return fmt.Errorf("resources: adding /basic: %w", err)
	}
	if _, err := tree.Add("storage", newStorageResource(tree)); err != nil {
		return fmt.Errorf("resources: adding /storage: %w", err)
	}
	if _, err := tree.Add("child", newChildResource(tree, "child")); err != nil {
		return fmt.Errorf("resources: adding /child: %w", err)
	}
	if _, err := tree.Add("separate", newSeparateResource(5*time.Second)); err != nil {
		return fmt.Errorf("resources: adding /separate: %w", err)
	}
	if _, err := tree.Add("long", newLongResource(10*time.Second)); err != nil {
		return fmt.Errorf("resources: adding /long: %w", err)
	}
	if _, err := tree.Add("big", newBigResource()); err != nil {
		return fmt.Errorf("resources: adding /big: %w", err)
	}
	if _, err := tree.Add("computed", newComputedResource()); err != nil {
		return fmt.Errorf("resources: adding /computed: %w", err)
	}
	if _, err := tree.Add("version", newVersionResource()); err != nil {
		return fmt.Errorf("resources: adding /version: %w", err)
	}
	return nil
}

// newBasicResource mirrors example_resources.py's BasicResource: GET/PUT
// against its own payload, POST spawns a child BasicResource under path,
// DELETE removes it from the tree.
func newBasicResource(tree *resource.Tree, path, payload string) *resource.Resource {
	r := resource.New(path, true, true, true)
	r.Payload = []byte(payload)

	r.Handle(coap.GET, func(_ context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	r.Handle(coap.PUT, func(_ context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		res.Mutate(func() { res.Payload = req.Payload })
		return &resource.Response{}, nil
	})
	r.Handle(coap.POST, func(_ context.Context, req *coap.Message, _ *resource.Resource) (*resource.Response, error) {
		name := nextChildName("basic")
		child := newBasicResource(tree, name, "Basic Resource")
		if _, err := tree.Add(path+"/"+name, child); err != nil {
			return nil, &coap.Error{Kind: coap.ErrInternal, Code: coap.InternalServerError, Err: err}
		}
		return &resource.Response{LocationPath: append(strings.Split(path, "/"), name)}, nil
	})
	r.Handle(coap.DELETE, func(_ context.Context, _ *coap.Message, _ *resource.Resource) (*resource.Response, error) {
		idx, _, full := tree.Lookup(path)
		if full {
			tree.Remove(idx)
		}
		return &resource.Response{}, nil
	})
	return r
}

// newStorageResource mirrors Storage: GET-only on its own payload, POST
// spawns a BasicResource child (example_resources.py's Storage.render_POST
// returns a fresh BasicResource, not a Storage).
func newStorageResource(tree *resource.Tree) *resource.Resource {
	r := resource.New("storage", true, true, true)
	r.Payload = []byte("Storage Resource for PUT, POST and DELETE")

	r.Handle(coap.GET, func(_ context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	r.Handle(coap.POST, func(_ context.Context, _ *coap.Message, _ *resource.Resource) (*resource.Response, error) {
		name := nextChildName("basic")
		child := newBasicResource(tree, name, "Basic Resource")
		if _, err := tree.Add("storage/"+name, child); err != nil {
			return nil, &coap.Error{Kind: coap.ErrInternal, Code: coap.InternalServerError, Err: err}
		}
		return &resource.Response{LocationPath: []string{"storage", name}}, nil
	})
	return r
}

// newChildResource mirrors Child: identical method set to BasicResource but
// starts with an empty payload (example_resources.py's Child).
func newChildResource(tree *resource.Tree, path string) *resource.Resource {
	r := newBasicResource(tree, path, "")
	return r
}

// newSeparateResource mirrors Separate: its GET handler cannot answer
// within ACK_TIMEOUT, so it declares itself asynchronous and completes
// after delay (spec.md section 4.2's separate-response protocol; the
// original sleeps 5 seconds on a worker thread).
func newSeparateResource(delay time.Duration) *resource.Resource {
	r := resource.New("separate", true, true, false)
	r.Payload = []byte("Separate")

	r.Handle(coap.GET, func(ctx context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		done := make(chan resource.AsyncResult, 1)
		go func() {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				done <- resource.AsyncResult{Err: ctx.Err()}
				return
			}
			p, _, _ := res.Snapshot()
			done <- resource.AsyncResult{Resp: &resource.Response{Payload: p}}
		}()
		return nil, &resource.AsyncPending{Done: done}
	})
	return r
}

// newLongResource mirrors Long: a GET that simply takes a long time, also
// wired through the separate-response path rather than blocking the event
// loop for the duration (the original blocks its worker thread instead).
func newLongResource(delay time.Duration) *resource.Resource {
	r := resource.New("long", true, true, false)
	r.Payload = []byte("Long Time")

	r.Handle(coap.GET, func(ctx context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		done := make(chan resource.AsyncResult, 1)
		go func() {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				done <- resource.AsyncResult{Err: ctx.Err()}
				return
			}
			p, _, _ := res.Snapshot()
			done <- resource.AsyncResult{Resp: &resource.Response{Payload: p}}
		}()
		return nil, &resource.AsyncPending{Done: done}
	})
	return r
}

const bigPayload = "Lorem ipsum dolor sit amet, consectetur adipiscing elit. Cras sollicitudin fermentum ornare. " +
	"Cras accumsan tellus quis dui lacinia eleifend. Proin ultrices rutrum orci vitae luctus. " +
	"Nullam malesuada pretium elit, at aliquam odio vehicula in. Etiam nec maximus elit."

// newBigResource mirrors Big: a payload large enough to force Block2
// segmentation (spec.md section 4.6) under a small MaxPayload, and a POST
// that appends to it.
func newBigResource() *resource.Resource {
	r := resource.New("big", true, true, false)
	r.Payload = []byte(bigPayload)

	r.Handle(coap.GET, func(_ context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	r.Handle(coap.POST, func(_ context.Context, req *coap.Message, res *resource.Resource) (*resource.Response, error) {
		if len(req.Payload) > 0 {
			res.Mutate(func() { res.Payload = append(res.Payload, req.Payload...) })
		}
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	return r
}

// ServerVersion is reported by /version for compatibility checks such as
// cmd/coapctl's --require-server-version flag.
const ServerVersion = "1.3.0"

// newVersionResource is GET-only and exists purely so clients (or a proxy
// sitting in front of several coapd builds) can compare a minimum required
// version against hashicorp/go-version before relying on newer behavior.
func newVersionResource() *resource.Resource {
	r := resource.New("version", true, false, false)
	r.Payload = []byte(ServerVersion)

	r.Handle(coap.GET, func(_ context.Context, _ *coap.Message, res *resource.Resource) (*resource.Response, error) {
		p, _, _ := res.Snapshot()
		return &resource.Response{Payload: p}, nil
	})
	return r
}

// newComputedResource exercises govaluate (carried over from fbclock's
// formula evaluation) in a resource-handler shape: GET evaluates the
// "expr" query parameter against the request's other Uri-Query pairs as
// float64 variables, e.g. GET /computed?expr=x+y&x=2&y=3 -> "5".
func newComputedResource() *resource.Resource {
	r := resource.New("computed", true, false, false)

	r.Handle(coap.GET, func(_ context.Context, req *coap.Message, _ *resource.Resource) (*resource.Response, error) {
		vars := make(map[string]interface{})
		var exprStr string
		for _, pair := range req.Options.URIQueryPairs() {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			if k == "expr" {
				exprStr = v
				continue
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &coap.Error{Kind: coap.ErrMalformed, Code: coap.BadRequest, Err: fmt.Errorf("query variable %q is not numeric: %w", k, err)}
			}
			vars[k] = f
		}
		if exprStr == "" {
			return nil, &coap.Error{Kind: coap.ErrMalformed, Code: coap.BadRequest, Err: fmt.Errorf("missing required \"expr\" query parameter")}
		}

		expr, err := govaluate.NewEvaluableExpression(exprStr)
		if err != nil {
			return nil, &coap.Error{Kind: coap.ErrMalformed, Code: coap.BadRequest, Err: fmt.Errorf("parsing expression: %w", err)}
		}
		result, err := expr.Evaluate(vars)
		if err != nil {
			return nil, &coap.Error{Kind: coap.ErrMalformed, Code: coap.BadRequest, Err: fmt.Errorf("evaluating expression: %w", err)}
		}
		log.Debugf("resources: /computed evaluated %q -> %v", exprStr, result)
		return &resource.Response{Payload: []byte(fmt.Sprintf("%v", result))}, nil
	})
	return r
}
