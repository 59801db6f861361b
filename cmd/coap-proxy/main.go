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

// coap-proxy is a standalone forward proxy: it carries no resource tree of
// its own and answers only requests carrying a Proxy-Uri option, which
// endpoint.Endpoint already dispatches to the proxy branch unconditionally.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/stats"
	"github.com/coapcore/coap/transport"
)

// Config is the flag-configured entry point for coap-proxy.
type Config struct {
	IP             string
	Port           int
	MaxPayload     int
	MonitoringPort int
	LogLevel       string
}

func main() {
	c := &Config{}

	flag.StringVar(&c.IP, "ip", "::", "IP to bind on")
	flag.IntVar(&c.Port, "port", 5683, "UDP port to bind on")
	flag.IntVar(&c.MaxPayload, "maxpayload", 1024, "Maximum response payload before Block2 segmentation kicks in")
	flag.IntVar(&c.MonitoringPort, "monitoringport", 8890, "Port to run the monitoring HTTP server on")
	flag.StringVar(&c.LogLevel, "loglevel", "warning", "Set a log level. Can be: debug, info, warning, error")
	flag.Parse()

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", c.LogLevel)
	}

	ip := net.ParseIP(c.IP)
	if ip == nil {
		log.Fatalf("Unparseable IP: %s", c.IP)
	}

	tr, err := transport.ListenUDP(&net.UDPAddr{IP: ip, Port: c.Port})
	if err != nil {
		log.Fatalf("Binding UDP socket: %v", err)
	}
	defer tr.Close()

	e := endpoint.New(tr, transport.SystemClock{}, c.MaxPayload)

	sources := []stats.Source{e.Stats.Source(), e.RTT().Source(), (&stats.SysStats{}).Collect}
	exporter := stats.NewPrometheusExporter(15*time.Second, sources...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.Handler())
	mux.Handle("/stats", stats.JSONHandler(sources...))
	monitoringAddr := fmt.Sprintf(":%d", c.MonitoringPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("Monitoring server listening on %s", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, mux); err != nil && ctx.Err() == nil {
			log.Errorf("Monitoring server: %v", err)
		}
	}()

	go func() {
		if err := exporter.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Prometheus exporter: %v", err)
		}
	}()

	log.Infof("coap-proxy listening on %s", tr.LocalEndpoint())

	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		log.Warningf("sd_notify: %v", err)
	} else if supported {
		log.Info("successfully sent sd_notify event")
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("Endpoint run failed: %v", err)
	}
}
