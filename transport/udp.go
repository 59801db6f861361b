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

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the largest UDP datagram this stack will attempt to
// read, generous enough for the 1152-byte path-MTU assumption the codec
// encoder targets (spec.md section 4.1) plus headroom.
const MaxDatagramSize = 1280

// UDPTransport is the Transport implementation backed by a real
// *net.UDPConn. It is used by cmd/coapd and cmd/coap-proxy; tests use
// internal/transporttest instead so the event loop can run without a
// socket.
type UDPTransport struct {
	conn  *net.UDPConn
	local Endpoint
}

// ListenUDP opens a UDP socket on addr. SO_REUSEADDR is set before bind so a
// restarting endpoint on a constrained device doesn't have to wait out
// TIME_WAIT, mirroring how facebook-time's responder binds its event socket.
func ListenUDP(addr *net.UDPAddr) (*UDPTransport, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c interface{ Control(func(fd uintptr)) error }) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)
	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
	}
	return &UDPTransport{conn: conn, local: NewEndpointFromUDPAddr(local)}, nil
}

// LocalEndpoint implements Transport.
func (t *UDPTransport) LocalEndpoint() Endpoint { return t.local }

// ReadFrom implements Transport. ctx cancellation closes the read deadline
// rather than the socket, so the transport can be reused across calls.
func (t *UDPTransport) ReadFrom(ctx context.Context) (Datagram, error) {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(dl); err != nil {
			return Datagram{}, err
		}
	} else {
		_ = t.conn.SetReadDeadline(noDeadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stop()
	buf := make([]byte, MaxDatagramSize)
	n, src, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, err
	}
	return Datagram{Data: buf[:n], Src: NewEndpointFromUDPAddr(src)}, nil
}

// WriteTo implements Transport.
func (t *UDPTransport) WriteTo(_ context.Context, b []byte, dst Endpoint) error {
	n, err := t.conn.WriteToUDP(b, dst.UDPAddr())
	if err != nil {
		return fmt.Errorf("write to %s: %w", dst, err)
	}
	if n != len(b) {
		return fmt.Errorf("short write to %s: %d of %d bytes", dst, n, len(b))
	}
	return nil
}

// Close implements Transport.
func (t *UDPTransport) Close() error { return t.conn.Close() }

// JoinMulticastGroup joins group (e.g. 224.0.1.187 per spec.md section 6) on
// iface. Only join/leave is in scope (spec.md section 1's non-goals exclude
// multicast group management beyond that).
func (t *UDPTransport) JoinMulticastGroup(iface *net.Interface, group net.IP) error {
	p := ipv4PacketConn(t.conn)
	if p == nil {
		return fmt.Errorf("multicast join requires an IPv4 socket")
	}
	if err := p.JoinGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("join multicast group %s on %s: %w", group, iface.Name, err)
	}
	log.Infof("joined multicast group %s on %s", group, iface.Name)
	return nil
}

// LeaveMulticastGroup reverses JoinMulticastGroup.
func (t *UDPTransport) LeaveMulticastGroup(iface *net.Interface, group net.IP) error {
	p := ipv4PacketConn(t.conn)
	if p == nil {
		return fmt.Errorf("multicast leave requires an IPv4 socket")
	}
	if err := p.LeaveGroup(iface, &net.UDPAddr{IP: group}); err != nil {
		return fmt.Errorf("leave multicast group %s on %s: %w", group, iface.Name, err)
	}
	return nil
}
