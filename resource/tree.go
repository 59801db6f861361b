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

package resource

import (
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NodeIndex identifies a tree node by arena slot. Using indices instead of
// pointers for parent/child links breaks the resource<->parent and
// observation<->resource reference cycles spec.md section 9 flags, and
// keeps lookups O(1) (the Design Note's stated rationale).
type NodeIndex int

// NoNode is the "no such node" index (-1); the root occupies index 0 and
// every valid node a non-negative index, so NoNode never names a node.
const NoNode NodeIndex = -1

type node struct {
	resource *Resource
	parent   NodeIndex
	children map[string]NodeIndex
	// freed marks a slot returned by Remove; its index is never reused so
	// stale NodeIndex values held by observations fail Lookup cleanly
	// instead of resolving to an unrelated resource.
	freed bool
}

// Tree is the arena-indexed resource tree (spec.md section 3's "Resource
// tree" and section 9's Design Note). The root (index 0) is invisible and
// non-observable, matching spec.md section 3.
type Tree struct {
	mu    sync.Mutex
	nodes []node
}

// NewTree returns a Tree containing only the invisible root.
func NewTree() *Tree {
	root := New("", false, false, true)
	t := &Tree{}
	t.nodes = append(t.nodes, node{resource: root, parent: NoNode, children: make(map[string]NodeIndex)})
	return t
}

// Root returns the root node's index.
func (t *Tree) Root() NodeIndex { return 0 }

// Add registers res at path (slash-separated, no leading slash required),
// creating any missing intermediate "subtree" nodes the way
// coapthon2/layer/resource.py's create_subtree does. Returns the new node's
// index, or an error if an ancestor disallows children or the leaf path
// already exists.
func (t *Tree) Add(path string, res *Resource) (NodeIndex, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := splitPath(path)
	cur := t.Root()
	for i, seg := range segs {
		last := i == len(segs)-1
		child, ok := t.nodes[cur].children[seg]
		if ok {
			if last {
				return NoNode, errExists(path)
			}
			cur = child
			continue
		}
		if !t.nodes[cur].resource.AllowChildren {
			return NoNode, errNotAllowed(path)
		}
		var leaf *Resource
		if last {
			leaf = res
		} else {
			leaf = New(seg, true, false, true)
		}
		leaf.Name = seg
		idx := NodeIndex(len(t.nodes))
		t.nodes = append(t.nodes, node{resource: leaf, parent: cur, children: make(map[string]NodeIndex)})
		t.nodes[cur].children[seg] = idx
		cur = idx
	}
	return cur, nil
}

// Lookup walks path from the root, returning the deepest node reached and
// whether the full path resolved (spec.md section 4.4 point 1: "the last
// matched node is the target").
func (t *Tree) Lookup(path string) (idx NodeIndex, res *Resource, full bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	segs := splitPath(path)
	cur := t.Root()
	for i, seg := range segs {
		child, ok := t.nodes[cur].children[seg]
		if !ok || t.nodes[child].freed {
			return cur, t.nodes[cur].resource, i == len(segs)
		}
		cur = child
	}
	return cur, t.nodes[cur].resource, true
}

// Resource returns the resource at idx, or nil if idx is stale/removed.
func (t *Tree) Resource(idx NodeIndex) *Resource {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.nodes) || t.nodes[idx].freed {
		return nil
	}
	return t.nodes[idx].resource
}

// Parent returns idx's parent, or NoNode for the root.
func (t *Tree) Parent(idx NodeIndex) NodeIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.nodes) {
		return NoNode
	}
	return t.nodes[idx].parent
}

// Remove deletes idx and its entire subtree, cascading the way spec.md
// section 3 requires ("removal cascades to children and triggers observer
// teardown on every deleted node"). It returns every removed node's index,
// deepest-first, so the caller can tear down observations for each.
func (t *Tree) Remove(idx NodeIndex) []NodeIndex {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []NodeIndex
	var walk func(NodeIndex)
	walk = func(i NodeIndex) {
		for _, child := range maps.Values(t.nodes[i].children) {
			walk(child)
		}
		removed = append(removed, i)
	}
	walk(idx)

	parent := t.nodes[idx].parent
	if parent != NoNode {
		delete(t.nodes[parent].children, t.nodes[idx].resource.Name)
	}
	for _, i := range removed {
		t.nodes[i].freed = true
		t.nodes[i].resource = nil
	}
	return removed
}

// Children returns the child indices of idx in deterministic (sorted by
// name) order, used by discovery rendering.
func (t *Tree) Children(idx NodeIndex) []NodeIndex {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || int(idx) >= len(t.nodes) {
		return nil
	}
	names := maps.Keys(t.nodes[idx].children)
	slices.Sort(names)
	out := make([]NodeIndex, 0, len(names))
	for _, n := range names {
		out = append(out, t.nodes[idx].children[n])
	}
	return out
}

// FullPath reconstructs idx's slash-separated path from the root.
func (t *Tree) FullPath(idx NodeIndex) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var segs []string
	for i := idx; i != t.Root() && i != NoNode; i = t.nodes[i].parent {
		segs = append([]string{t.nodes[i].resource.Name}, segs...)
	}
	return "/" + strings.Join(segs, "/")
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
