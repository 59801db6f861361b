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

package blockwise

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

func ep(port int) transport.Endpoint {
	return transport.NewEndpoint(net.ParseIP("127.0.0.1"), port, "")
}

func TestBlockOptionRoundTrip(t *testing.T) {
	opt := EncodeBlockOption(coap.Block2, 5, true, 4)
	num, more, szx := DecodeBlockValue(opt.Uint())
	require.Equal(t, uint32(5), num)
	require.True(t, more)
	require.Equal(t, uint8(4), szx)
}

func TestBlock2SliceReassemblyIsAssociative(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 100) // 1600 bytes
	for szx := uint8(MinSZX); szx <= MaxSZX; szx++ {
		var reassembled []byte
		num := uint32(0)
		for {
			block, more := Block2Slice(payload, num, szx)
			reassembled = append(reassembled, block...)
			if !more {
				break
			}
			num++
		}
		require.Equal(t, payload, reassembled, "szx=%d", szx)
	}
}

func TestNegotiateSZXHonorsSmallerValue(t *testing.T) {
	require.Equal(t, uint8(2), NegotiateSZX(2, 6))
	require.Equal(t, uint8(2), NegotiateSZX(6, 2))
}

func TestAppendBlock1AccumulatesInOrder(t *testing.T) {
	mgr := NewManager()
	peer := ep(5683)
	token := coap.Token{1}
	s := mgr.Start(peer, token, Block1In, 2, time.Unix(0, 0), &coap.Message{})

	require.NoError(t, s.AppendBlock1(0, []byte("AAAA"), time.Unix(1, 0)))
	require.NoError(t, s.AppendBlock1(1, []byte("BBBB"), time.Unix(2, 0)))
	require.Equal(t, []byte("AAAABBBB"), s.Buffer)

	err := s.AppendBlock1(3, []byte("DDDD"), time.Unix(3, 0))
	require.Error(t, err)
}

func TestManagerStartLookupEnd(t *testing.T) {
	mgr := NewManager()
	peer := ep(5683)
	token := coap.Token{9}

	_, ok := mgr.Lookup(peer, token)
	require.False(t, ok)

	mgr.Start(peer, token, Block2Out, 6, time.Unix(0, 0), &coap.Message{})
	require.Equal(t, 1, mgr.Len())

	_, ok = mgr.Lookup(peer, token)
	require.True(t, ok)

	mgr.End(peer, token)
	require.Equal(t, 0, mgr.Len())
}

func TestManagerPurgeRemovesIdleSessions(t *testing.T) {
	mgr := NewManager()
	peer := ep(5683)
	mgr.Start(peer, coap.Token{1}, Block1In, 0, time.Unix(0, 0), &coap.Message{})

	mgr.Purge(time.Unix(300, 0), 247*time.Second)
	require.Equal(t, 0, mgr.Len())
}
