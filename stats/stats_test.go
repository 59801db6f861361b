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

package stats

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersSnapshotReflectsIncrements(t *testing.T) {
	c := &Counters{}
	c.IncDatagramsReceived()
	c.IncDatagramsReceived()
	c.IncRetransmits()
	c.AddObserversActive(3)
	c.AddObserversActive(-1)

	snap := c.Snapshot()
	require.Equal(t, uint64(2), snap["coap.datagrams.received"])
	require.Equal(t, uint64(1), snap["coap.exchange.retransmits"])
	require.Equal(t, uint64(2), snap["coap.observers.active"])
}

func TestFlattenKeyReplacesSeparators(t *testing.T) {
	require.Equal(t, "coapd_coap_exchange_timeouts", flattenKey("coap.exchange.timeouts"))
}

func TestJSONHandlerMergesSources(t *testing.T) {
	c := &Counters{}
	c.IncRequestsHandled()
	extra := func() (map[string]uint64, error) { return map[string]uint64{"custom.metric": 42}, nil }

	h := JSONHandler(c.Source(), extra)
	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]uint64
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, uint64(1), out["coap.requests.handled"])
	require.Equal(t, uint64(42), out["custom.metric"])
}

func TestPrometheusExporterScrapeRegistersGauges(t *testing.T) {
	c := &Counters{}
	c.IncDatagramsSent()
	exp := NewPrometheusExporter(0, c.Source())
	exp.scrape()
	require.Len(t, exp.gauges, len(c.Snapshot()))
}
