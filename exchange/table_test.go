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

package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTableStoreLoadDelete(t *testing.T) {
	tbl := NewTable()
	peer := peerEndpoint(5684)
	key := Key{Peer: peer, MID: 1}

	_, ok := tbl.Lookup(peer, 1)
	require.False(t, ok)

	state := &State{FirstSentAt: time.Unix(0, 0)}
	tbl.store(key, state)
	require.Equal(t, 1, tbl.Len())

	got, ok := tbl.Lookup(peer, 1)
	require.True(t, ok)
	require.Same(t, state, got)

	tbl.delete(key)
	require.Equal(t, 0, tbl.Len())
}

func TestTablePurgeOnlyRemovesExpired(t *testing.T) {
	tbl := NewTable()
	peer := peerEndpoint(5684)

	base := time.Unix(1000, 0)
	tbl.store(Key{Peer: peer, MID: 1}, &State{FirstSentAt: base})
	tbl.store(Key{Peer: peer, MID: 2}, &State{FirstSentAt: base.Add(200 * time.Second)})

	tbl.Purge(base.Add(250*time.Second), 247*time.Second)

	_, ok := tbl.Lookup(peer, 1)
	require.False(t, ok, "exchange older than lifetime must be purged")
	_, ok = tbl.Lookup(peer, 2)
	require.True(t, ok, "exchange within lifetime must survive")
}
