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

package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fatih/color"
	version "github.com/hashicorp/go-version"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/coapcore/coap/client"
	"github.com/coapcore/coap/endpoint"
	"github.com/coapcore/coap/transport"
)

// RootCmd is coapctl's entry point. It's exported so it could be easily
// extended without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "coapctl",
	Short: "command-line client for a CoAP endpoint",
}

var (
	addr                 string
	timeout              time.Duration
	maxPayload           int
	requireServerVersion string
)

func init() {
	RootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:5683", "host:port of the CoAP endpoint to talk to")
	RootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	RootCmd.PersistentFlags().IntVar(&maxPayload, "maxpayload", 1024, "maximum payload before Block2 segmentation kicks in")
	RootCmd.PersistentFlags().StringVar(&requireServerVersion, "require-server-version", "", "fail unless the server's /version resource is at least this version, e.g. 1.2.0")
}

// Execute is the main entry point for the CLI interface.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// dial binds an ephemeral local socket, resolves target as the peer
// endpoint and runs a background Endpoint until the returned cancel func is
// called.
func dial(target string) (*client.Client, context.CancelFunc, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving %s: %w", target, err)
	}
	peer := transport.NewEndpointFromUDPAddr(udpAddr)

	local := net.IPv4zero
	if udpAddr.IP.To4() == nil {
		local = net.IPv6zero
	}
	tr, err := transport.ListenUDP(&net.UDPAddr{IP: local, Port: 0})
	if err != nil {
		return nil, nil, fmt.Errorf("binding local socket: %w", err)
	}

	ep := endpoint.New(tr, transport.SystemClock{}, maxPayload)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := ep.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("coapctl: endpoint run: %v", err)
		}
	}()

	stop := func() {
		cancel()
		tr.Close()
	}
	cl := client.New(ep, peer)

	if requireServerVersion != "" {
		if err := checkServerVersion(cl); err != nil {
			stop()
			return nil, nil, err
		}
	}
	return cl, stop, nil
}

// checkServerVersion GETs /version and fails closed if it can't prove the
// server is at least requireServerVersion: a stale or unversioned server is
// treated the same as a too-old one.
func checkServerVersion(cl *client.Client) error {
	ctx, cancel := withTimeout()
	defer cancel()

	resp, err := cl.Get(ctx, "version")
	if err != nil {
		return fmt.Errorf("checking server version: %w", err)
	}
	got, err := version.NewVersion(string(resp.Payload))
	if err != nil {
		return fmt.Errorf("checking server version: parsing %q: %w", resp.Payload, err)
	}
	want, err := version.NewVersion(requireServerVersion)
	if err != nil {
		return fmt.Errorf("parsing --require-server-version %q: %w", requireServerVersion, err)
	}
	if got.LessThan(want) {
		return fmt.Errorf("server is version %s, need at least %s", got, want)
	}
	return nil
}

func withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// printResponse renders a single response as a small table, the same
// tabular habit ptpcheck/ziffy report their results with.
func printResponse(resp *client.Response) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"field", "value"})
	table.Append([]string{"code", codeString(resp.Code)})
	if resp.ContentFormat != 0 {
		table.Append([]string{"content-format", fmt.Sprintf("%d", resp.ContentFormat)})
	}
	if resp.ETag != "" {
		table.Append([]string{"etag", resp.ETag})
	}
	if len(resp.LocationPath) > 0 {
		table.Append([]string{"location-path", fmt.Sprintf("%v", resp.LocationPath)})
	}
	table.Append([]string{"payload", string(resp.Payload)})
	table.Render()
}

func codeString(code interface{ String() string }) string {
	s := code.String()
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return s
	}
	if s[0] == '2' {
		return color.GreenString(s)
	}
	if s[0] == '4' {
		return color.YellowString(s)
	}
	return color.RedString(s)
}
