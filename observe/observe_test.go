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

package observe

import (
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

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	peer := ep(5683)
	token := coap.Token{1, 2}

	o := r.Register("/basic", peer, token, coap.CON, time.Unix(0, 0), 5)
	require.Equal(t, uint32(5), o.LastNotified)

	got, ok := r.Lookup(peer, token)
	require.True(t, ok)
	require.Same(t, o, got)
	require.Equal(t, 1, r.Len())
}

func TestDeregisterRemovesFromBothIndexes(t *testing.T) {
	r := NewRegistry()
	peer := ep(5683)
	token := coap.Token{1}
	r.Register("/basic", peer, token, coap.NON, time.Unix(0, 0), 0)

	r.Deregister(peer, token)
	_, ok := r.Lookup(peer, token)
	require.False(t, ok)
	require.Empty(t, r.ObserversOf("/basic"))
}

func TestObserversOfFansOutToAllSubscribers(t *testing.T) {
	r := NewRegistry()
	peerA, peerB := ep(5683), ep(5684)
	r.Register("/basic", peerA, coap.Token{1}, coap.CON, time.Unix(0, 0), 0)
	r.Register("/basic", peerB, coap.Token{2}, coap.NON, time.Unix(0, 0), 0)

	observers := r.ObserversOf("/basic")
	require.Len(t, observers, 2)
}

func TestRemoveAllForPathTearsDownEverySubscriber(t *testing.T) {
	r := NewRegistry()
	peerA, peerB := ep(5683), ep(5684)
	r.Register("/basic", peerA, coap.Token{1}, coap.CON, time.Unix(0, 0), 0)
	r.Register("/basic", peerB, coap.Token{2}, coap.NON, time.Unix(0, 0), 0)

	removed := r.RemoveAllForPath("/basic")
	require.Len(t, removed, 2)
	require.Equal(t, 0, r.Len())
}

func TestNewerHandlesWrapAround(t *testing.T) {
	require.True(t, Newer(1, 2, 0))
	require.False(t, Newer(2, 1, 0))

	// Near the 2^24 boundary, a small value is "newer" than a value just
	// below the wrap point.
	require.True(t, Newer(0xFFFFF0, 5, 0))
	require.False(t, Newer(5, 0xFFFFF0, 0))
}

func TestNewerAgeThresholdAllowsEqualOrCloseValues(t *testing.T) {
	require.True(t, Newer(10, 10, 0))
	require.True(t, Newer(10, 8, 5))
	require.False(t, Newer(10, 8, 1))
}

func TestRegisterReplacesExistingObservationForSameKey(t *testing.T) {
	r := NewRegistry()
	peer := ep(5683)
	token := coap.Token{9}
	r.Register("/basic", peer, token, coap.CON, time.Unix(0, 0), 0)
	r.Register("/basic", peer, token, coap.CON, time.Unix(1, 0), 3)

	require.Equal(t, 1, r.Len())
	o, _ := r.Lookup(peer, token)
	require.Equal(t, uint32(3), o.LastNotified)
}
