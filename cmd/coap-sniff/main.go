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

// coap-sniff is a CoAP-specific poor man's tshark: it dumps CoAP messages
// parsed out of a packet capture file to stdout.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"github.com/coapcore/coap"
	"github.com/coapcore/coap/transport"
)

// LayerCoAP wraps around a decoded CoAP message for gopacket.
type LayerCoAP struct {
	layers.BaseLayer

	Message *coap.Message
}

// LayerTypeCoAP is registered as a layer with gopacket.
var LayerTypeCoAP = gopacket.RegisterLayerType(
	7252,
	gopacket.LayerTypeMetadata{
		Name:    "CoAP",
		Decoder: gopacket.DecodeFunc(decodeCoAP),
	},
)

// LayerType returns the type this layer implements.
func (l *LayerCoAP) LayerType() gopacket.LayerType {
	return LayerTypeCoAP
}

// Payload is empty as it's the final layer.
func (l *LayerCoAP) Payload() []byte {
	return nil
}

func decodeCoAP(data []byte, p gopacket.PacketBuilder) error {
	msg, err := coap.Decode(data, transport.Endpoint{}, transport.Endpoint{})
	if err != nil {
		return fmt.Errorf("decoding CoAP message: %w", err)
	}
	d := &LayerCoAP{Message: msg}
	d.BaseLayer = layers.BaseLayer{Contents: data[:]}
	p.AddLayer(d)
	p.SetApplicationLayer(d)
	return nil
}

// packetHandle abstracts packet handles provided by pcapgo.Reader and
// pcapgo.NgReader.
type packetHandle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func run(input string, port layers.UDPPort) error {
	layers.RegisterUDPPortLayerType(port, LayerTypeCoAP)

	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()

	var handle packetHandle
	handle, err = pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		if _, serr := f.Seek(0, 0); serr != nil {
			return fmt.Errorf("seeking in %s: %w", input, serr)
		}
		handle, err = pcapgo.NewReader(f)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", input, err)
		}
	}

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	for packet := range packetSource.Packets() {
		coapLayer := packet.Layer(LayerTypeCoAP)
		if coapLayer == nil {
			continue
		}
		content, _ := coapLayer.(*LayerCoAP)

		var srcIP, dstIP net.IP
		var srcPort, dstPort layers.UDPPort
		if ip6 := packet.Layer(layers.LayerTypeIPv6); ip6 != nil {
			ip, _ := ip6.(*layers.IPv6)
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		} else if ip4 := packet.Layer(layers.LayerTypeIPv4); ip4 != nil {
			ip, _ := ip4.(*layers.IPv4)
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		}
		if udp := packet.Layer(layers.LayerTypeUDP); udp != nil {
			u, _ := udp.(*layers.UDP)
			srcPort, dstPort = u.SrcPort, u.DstPort
		}

		spew.Printf("%s -> %s\n",
			net.JoinHostPort(srcIP.String(), strconv.Itoa(int(srcPort))),
			net.JoinHostPort(dstIP.String(), strconv.Itoa(int(dstPort))),
		)
		spew.Dump(content.Message)
		spew.Println()

		if err := packet.ErrorLayer(); err != nil {
			return fmt.Errorf("failed to decode: %w", err.Error())
		}
	}
	return nil
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "coap-sniff: dumps CoAP packets parsed from a capture file to stdout.\nUsage:\n")
		fmt.Fprintf(flag.CommandLine.Output(), "%s [file]\n", os.Args[0])
		fmt.Fprint(flag.CommandLine.Output(), "where [file] is any .pcap or .pcapng packet capture\n")
		flag.PrintDefaults()
	}
	port := flag.Int("port", 5683, "UDP port CoAP traffic is carried on")
	flag.Parse()
	if len(flag.Args()) != 1 {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(flag.Arg(0), layers.UDPPort(*port)); err != nil {
		log.Fatal(err)
	}
}
