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

package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jsimonetti/rtnetlink/rtnl"
	"golang.org/x/net/ipv4"
)

var noDeadline time.Time

func ipv4PacketConn(conn *net.UDPConn) *ipv4.PacketConn {
	if conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		return nil
	}
	return ipv4.NewPacketConn(conn)
}

// AllCoAPNodesIPv4 is the CoAP all-nodes multicast address (spec.md section 6).
var AllCoAPNodesIPv4 = net.ParseIP("224.0.1.187")

// AllCoAPNodesIPv6 is the CoAP all-nodes link-local multicast address
// (spec.md section 6, "FF0X::FD" with X=2, link-local scope).
var AllCoAPNodesIPv6 = net.ParseIP("ff02::fd")

// HasAddress reports whether iface currently carries addr, queried via
// rtnetlink so a misconfigured multicast join fails fast with a clear error
// instead of silently no-opping, mirroring the interface precheck in
// facebook-time's responder/server/ip.go.
func HasAddress(ifaceName string, addr net.IP) (bool, error) {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return false, fmt.Errorf("dial rtnetlink: %w", err)
	}
	defer conn.Close()

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return false, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := conn.Addrs(ctx, iface)
	if err != nil {
		return false, fmt.Errorf("list addresses on %s: %w", ifaceName, err)
	}
	for _, a := range addrs {
		if a.IP.Equal(addr) {
			return true, nil
		}
	}
	return false, nil
}
