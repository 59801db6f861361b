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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Source is anything that can produce a flattened metric snapshot;
// Counters.Snapshot and SysStats.Collect both satisfy compatible shapes.
type Source func() (map[string]uint64, error)

// PrometheusExporter periodically scrapes one or more Sources in-process and
// republishes their values as dynamically-registered gauges, the same
// flatten-and-register pattern ptp/sptp/stats.PrometheusExporter uses against
// a remote counters endpoint, adapted here to poll the endpoint's own
// counters directly instead of fetching them back over HTTP.
type PrometheusExporter struct {
	registry *prometheus.Registry
	sources  []Source
	interval time.Duration
	gauges   map[string]prometheus.Gauge
}

// NewPrometheusExporter builds an exporter that scrapes sources every
// interval onto its own registry.
func NewPrometheusExporter(interval time.Duration, sources ...Source) *PrometheusExporter {
	return &PrometheusExporter{
		registry: prometheus.NewRegistry(),
		sources:  sources,
		interval: interval,
		gauges:   make(map[string]prometheus.Gauge),
	}
}

// Handler returns the http.Handler to mount at /metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Run scrapes on a ticker until ctx is cancelled.
func (e *PrometheusExporter) Run(ctx context.Context) error {
	e.scrape()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.scrape()
		}
	}
}

func (e *PrometheusExporter) scrape() {
	for _, src := range e.sources {
		counters, err := src()
		if err != nil {
			log.Errorf("stats: scraping source: %v", err)
			continue
		}
		for key, val := range counters {
			e.set(key, val)
		}
	}
}

func (e *PrometheusExporter) set(key string, val uint64) {
	name := flattenKey(key)
	g, ok := e.gauges[name]
	if !ok {
		g = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: key})
		if err := e.registry.Register(g); err != nil {
			are := &prometheus.AlreadyRegisteredError{}
			if errors.As(err, are) {
				g = are.ExistingCollector.(prometheus.Gauge)
			} else {
				log.Errorf("stats: registering metric %s: %v", name, err)
				return
			}
		}
		e.gauges[name] = g
	}
	g.Set(float64(val))
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return fmt.Sprintf("coapd_%s", key)
}
