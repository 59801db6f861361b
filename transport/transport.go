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

// Package transport abstracts the UDP datagram transport the endpoint event
// loop runs on, so the protocol core can be driven by a real socket or by a
// deterministic fake in tests.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Endpoint identifies a remote or local (host, port) pair. It is comparable
// and therefore safe to use as a map key the way the exchange table, the
// matcher and the observe registry all require.
type Endpoint struct {
	IP   [16]byte // always stored as a 16-byte form, v4-in-v6 mapped when IPv4
	Zone string
	Port int
}

// NewEndpoint builds an Endpoint from a net.IP/port/zone triple.
func NewEndpoint(ip net.IP, port int, zone string) Endpoint {
	var e Endpoint
	copy(e.IP[:], ip.To16())
	e.Port = port
	e.Zone = zone
	return e
}

// NewEndpointFromUDPAddr builds an Endpoint from a *net.UDPAddr.
func NewEndpointFromUDPAddr(a *net.UDPAddr) Endpoint {
	return NewEndpoint(a.IP, a.Port, a.Zone)
}

// NetIP returns the endpoint's address as a net.IP.
func (e Endpoint) NetIP() net.IP {
	b := make([]byte, 16)
	copy(b, e.IP[:])
	return net.IP(b)
}

// UDPAddr converts the endpoint back to a *net.UDPAddr for use with a
// net.PacketConn.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.NetIP(), Port: e.Port, Zone: e.Zone}
}

func (e Endpoint) String() string {
	ip := e.NetIP()
	if e.Zone != "" {
		return fmt.Sprintf("%s%%%s:%d", ip, e.Zone, e.Port)
	}
	return fmt.Sprintf("%s:%d", ip, e.Port)
}

// Datagram is a single received UDP packet plus its source endpoint.
type Datagram struct {
	Data []byte
	Src  Endpoint
}

// Transport is the minimal send/recv surface the endpoint event loop needs
// from a UDP socket. A real implementation wraps *net.UDPConn (see
// udp.go); tests substitute internal/transporttest's in-memory fake.
type Transport interface {
	// LocalEndpoint returns the endpoint this transport is bound to.
	LocalEndpoint() Endpoint
	// ReadFrom blocks until a datagram arrives or ctx is done.
	ReadFrom(ctx context.Context) (Datagram, error)
	// WriteTo sends b to dst.
	WriteTo(ctx context.Context, b []byte, dst Endpoint) error
	// Close releases the underlying socket.
	Close() error
}

// Clock is the monotonic time + timer facility the reliability, observe and
// blockwise layers schedule against. Abstracted so exchange/observe/blockwise
// timers are deterministic under test (internal/clocktest).
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer cancels a scheduled AfterFunc callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// already stopped.
	Stop() bool
	// Reset reschedules the timer to fire after d from now.
	Reset(d time.Duration) bool
}
