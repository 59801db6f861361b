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
	"math/rand"
	"time"

	"github.com/eclesh/welford"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/stats"
)

// firstTimeout returns ACK_TIMEOUT * uniform(1, ACK_RANDOM_FACTOR)
// (spec.md section 4.2).
func firstTimeout() time.Duration {
	factor := 1 + rand.Float64()*(coap.AckRandomFactor-1)
	return time.Duration(float64(coap.AckTimeout) * factor)
}

// nextTimeout doubles the previous timeout, the exponential-backoff step
// applied on every retransmission after the first (spec.md section 4.2).
func nextTimeout(prev time.Duration) time.Duration { return prev * 2 }

// RTTEstimator tracks the running mean/variance of measured ACK round-trip
// times using a Welford accumulator, the same technique facebook-time's
// fbclock daemon uses for offset statistics (fbclock/daemon/math.go). The
// retransmit schedule itself always follows the fixed ACK_TIMEOUT/
// ACK_RANDOM_FACTOR/MAX_RETRANSMIT rule above, never this estimate — §8's
// timing-bound invariant is stated in terms of those fixed constants. Mean
// and StdDev are exported as a stats.Source (see Source below) so the
// measured RTT shows up alongside the other protocol gauges.
type RTTEstimator struct {
	stats   *welford.Stats
	samples int
}

// NewRTTEstimator returns a zeroed estimator.
func NewRTTEstimator() *RTTEstimator {
	return &RTTEstimator{stats: welford.New()}
}

// Observe records one measured round-trip time (send to ACK).
func (e *RTTEstimator) Observe(rtt time.Duration) {
	e.stats.Add(rtt.Seconds())
	e.samples++
}

// Mean returns the running mean RTT, zero if no samples yet.
func (e *RTTEstimator) Mean() time.Duration {
	if e.samples == 0 {
		return 0
	}
	return time.Duration(e.stats.Mean() * float64(time.Second))
}

// StdDev returns the running standard deviation of RTT samples.
func (e *RTTEstimator) StdDev() time.Duration {
	if e.samples == 0 {
		return 0
	}
	return time.Duration(e.stats.Stddev() * float64(time.Second))
}

// Source adapts Mean/StdDev to the stats.Source shape the Prometheus
// exporter and JSON stats handler poll, the same way stats.Counters does.
func (e *RTTEstimator) Source() stats.Source {
	return func() (map[string]uint64, error) {
		return map[string]uint64{
			"coap.exchange.rtt_mean_ms":   uint64(e.Mean().Milliseconds()),
			"coap.exchange.rtt_stddev_ms": uint64(e.StdDev().Milliseconds()),
		}, nil
	}
}
