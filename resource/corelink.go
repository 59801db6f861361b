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
	"fmt"
	"strconv"
	"strings"
)

// LinkFormatContentFormat is CoAP's registered content-format number 40,
// application/link-format (spec.md section 4.4's discovery response).
const LinkFormatContentFormat = 40

// filter is one attribute=value predicate parsed from a Uri-Query option on
// GET /.well-known/core, e.g. "rt=sensor" (coapthon2/layer/resource.py's
// render_JSON filters by resource attribute in the same way).
type filter struct {
	attr, value string
}

func parseFilters(queries []string) []filter {
	var out []filter
	for _, q := range queries {
		if i := strings.IndexByte(q, '='); i >= 0 {
			out = append(out, filter{attr: q[:i], value: q[i+1:]})
		}
	}
	return out
}

func (f filter) matches(r *Resource) bool {
	switch f.attr {
	case "rt":
		return r.ResourceType == f.value
	case "if":
		return r.InterfaceType == f.value
	default:
		return true
	}
}

// RenderCoreLinkFormat walks the visible subtree and renders it in CoRE Link
// Format (RFC 6690), filtered by the given Uri-Query attribute=value pairs
// (spec.md section 4.4's discovery routine, extended with the original's
// attribute-filtered rendering per SPEC_FULL.md section 7).
func RenderCoreLinkFormat(t *Tree, queries []string) []byte {
	filters := parseFilters(queries)
	var links []string
	var walk func(idx NodeIndex)
	walk = func(idx NodeIndex) {
		for _, child := range t.Children(idx) {
			res := t.Resource(child)
			if res == nil {
				continue
			}
			if res.Visible && matchesAll(res, filters) {
				links = append(links, renderLink(t.FullPath(child), res))
			}
			walk(child)
		}
	}
	walk(t.Root())
	return []byte(strings.Join(links, ","))
}

func matchesAll(r *Resource, filters []filter) bool {
	for _, f := range filters {
		if !f.matches(r) {
			return false
		}
	}
	return true
}

func renderLink(path string, r *Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", path)
	if r.ResourceType != "" {
		fmt.Fprintf(&b, ";rt=%q", r.ResourceType)
	}
	if r.InterfaceType != "" {
		fmt.Fprintf(&b, ";if=%q", r.InterfaceType)
	}
	if r.ContentFormat != 0 {
		fmt.Fprintf(&b, ";ct=%s", strconv.Itoa(int(r.ContentFormat)))
	}
	if r.Observable {
		b.WriteString(";obs")
	}
	return b.String()
}
