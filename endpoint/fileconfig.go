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
	"fmt"
	"net"
	"strings"

	"github.com/go-ini/ini"

	"github.com/coapcore/coap"
)

// ResourceACL is one resource path's access policy: an optional read-only
// restriction and an optional allow-list of client IPs.
type ResourceACL struct {
	ReadOnly bool
	Allow    []net.IP
}

func (a ResourceACL) permits(src net.IP) bool {
	if len(a.Allow) == 0 {
		return true
	}
	for _, ip := range a.Allow {
		if ip.Equal(src) {
			return true
		}
	}
	return false
}

// FileConfig is the optional on-disk resource/ACL definition an endpoint can
// load instead of (or on top of) flag-configured resources, mirroring
// ptp4u/server.ReadDynamicConfig's file-driven config layer.
type FileConfig struct {
	ACL map[string]ResourceACL
}

// LoadFileConfig parses an INI file shaped like:
//
//	[resource "basic"]
//	readonly = false
//	allow = 127.0.0.1, 10.0.0.5
//
// Every section must be named `resource "<path>"`; an absent file is not an
// error higher up — callers decide whether a missing path means "no ACLs".
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("endpoint: loading config file %s: %w", path, err)
	}

	fc := &FileConfig{ACL: make(map[string]ResourceACL)}
	for _, sec := range cfg.Sections() {
		name, ok := parseResourceSection(sec.Name())
		if !ok {
			continue
		}
		acl := ResourceACL{ReadOnly: sec.Key("readonly").MustBool(false)}
		if allow := sec.Key("allow").String(); allow != "" {
			for _, raw := range strings.Split(allow, ",") {
				raw = strings.TrimSpace(raw)
				ip := net.ParseIP(raw)
				if ip == nil {
					return nil, fmt.Errorf("endpoint: config file %s: resource %q: invalid IP %q", path, name, raw)
				}
				acl.Allow = append(acl.Allow, ip)
			}
		}
		fc.ACL[name] = acl
	}
	return fc, nil
}

func parseResourceSection(name string) (path string, ok bool) {
	const prefix = `resource "`
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, `"`) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), `"`), true
}

// ApplyFileConfig wires fc's ACLs into the endpoint's ACL field consulted by
// handleRequest (nil disables enforcement entirely).
func (e *Endpoint) ApplyFileConfig(fc *FileConfig) {
	e.ACL = fc
}

// authorize reports whether req is allowed against path's ACL, if any.
func (e *Endpoint) authorize(path string, req *coap.Message) bool {
	if e.ACL == nil {
		return true
	}
	acl, ok := e.ACL.ACL[path]
	if !ok {
		return true
	}
	if !acl.permits(req.Src.NetIP()) {
		return false
	}
	if acl.ReadOnly && req.Code != coap.GET {
		return false
	}
	return true
}
