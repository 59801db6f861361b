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

// coapd is a standalone CoAP endpoint serving the demo resource tree from
// cmd/coapd/resources.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap/cmd/coapd/resources"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/stats"
	"github.com/coapcore/coap/transport"
)

// Config is the flag-configured entry point for coapd, mirroring
// cmd/ptp4u/main.go's Config-then-flag.Parse shape.
type Config struct {
	IP             string
	Port           int
	MaxPayload     int
	MonitoringPort int
	DebugAddr      string
	ConfigFile     string
	LogLevel       string
	MulticastIface string
}

// joinMulticast joins the CoAP all-nodes multicast group on iface and marks
// it as a listened-on destination so requests arriving addressed to it get
// the RFC 7252 section 8.2 leisure-randomized response delay.
func joinMulticast(tr *transport.UDPTransport, e *endpoint.Endpoint, iface string) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		log.Fatalf("Looking up multicast interface %s: %v", iface, err)
	}

	group := transport.AllCoAPNodesIPv4
	if tr.LocalEndpoint().NetIP().To4() == nil {
		group = transport.AllCoAPNodesIPv6
	}

	if has, err := transport.HasAddress(iface, tr.LocalEndpoint().NetIP()); err != nil {
		log.Warningf("Checking address on %s: %v", iface, err)
	} else if !has {
		log.Warningf("Bind address %s not found on %s; multicast replies may not route back", tr.LocalEndpoint().NetIP(), iface)
	}

	if err := tr.JoinMulticastGroup(ifi, group); err != nil {
		log.Fatalf("Joining multicast group %s on %s: %v", group, iface, err)
	}
	e.MulticastGroups[transport.NewEndpoint(group, tr.LocalEndpoint().Port, "")] = true
	log.Infof("Joined multicast group %s on %s", group, iface)
}

func main() {
	c := &Config{}

	flag.StringVar(&c.IP, "ip", "::", "IP to bind on")
	flag.IntVar(&c.Port, "port", 5683, "UDP port to bind on")
	flag.IntVar(&c.MaxPayload, "maxpayload", 1024, "Maximum response payload before Block2 segmentation kicks in")
	flag.IntVar(&c.MonitoringPort, "monitoringport", 8889, "Port to run the monitoring HTTP server on")
	flag.StringVar(&c.DebugAddr, "pprofaddr", "", "host:port for the pprof to bind")
	flag.StringVar(&c.ConfigFile, "config", "", "Path to an optional resource ACL config file")
	flag.StringVar(&c.MulticastIface, "multicast-iface", "", "Interface to join the CoAP all-nodes multicast group on (disabled if empty)")
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

	if c.DebugAddr != "" {
		log.Warningf("Starting profiler on %s", c.DebugAddr)
		go func() {
			log.Println(http.ListenAndServe(c.DebugAddr, nil))
		}()
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

	if c.MulticastIface != "" {
		joinMulticast(tr, e, c.MulticastIface)
	}

	if err := resources.Register(e.Server.Tree); err != nil {
		log.Fatalf("Registering demo resources: %v", err)
	}

	if c.ConfigFile != "" {
		fc, err := endpoint.LoadFileConfig(c.ConfigFile)
		if err != nil {
			log.Fatalf("Loading config file: %v", err)
		}
		e.ApplyFileConfig(fc)
		log.Infof("Loaded resource ACLs for %d path(s) from %s", len(fc.ACL), c.ConfigFile)
	}

	// Monitoring: both the cheap JSON poll path and a Prometheus scrape,
	// the same dual-surface pattern ptp4u/sptp expose their stats under.
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

	log.Infof("coapd listening on %s", tr.LocalEndpoint())

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
