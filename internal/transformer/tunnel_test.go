// Copyright 2026 PktMask Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transformer

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func baseEthernet(ethType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: ethType,
	}
}

func baseIPv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
}

func baseTCP(ip *layers.IPv4, seq uint32) *layers.TCP {
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 443, Seq: seq, Ack: 1, Window: 8192, ACK: true}
	tcp.SetNetworkLayerForChecksum(ip)
	return tcp
}

func TestFindTCP_PlainEthernet(t *testing.T) {
	ip := baseIPv4(layers.IPProtocolTCP)
	tcp := baseTCP(ip, 42)
	payload := []byte("hello")
	data := serialize(t, baseEthernet(layers.EthernetTypeIPv4), ip, tcp, gopacket.Payload(payload))

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	if !bytes.Equal(loc.TCP.LayerPayload(), payload) {
		t.Fatalf("payload = %q, want %q", loc.TCP.LayerPayload(), payload)
	}
	if loc.PayloadLen != len(payload) {
		t.Fatalf("PayloadLen = %d, want %d", loc.PayloadLen, len(payload))
	}
}

func TestFindTCP_VLANTagged(t *testing.T) {
	eth := baseEthernet(layers.EthernetTypeDot1Q)
	vlan := &layers.Dot1Q{VLANIdentifier: 100, Type: layers.EthernetTypeIPv4}
	ip := baseIPv4(layers.IPProtocolTCP)
	tcp := baseTCP(ip, 7)
	payload := []byte("vlan-ok")
	data := serialize(t, eth, vlan, ip, tcp, gopacket.Payload(payload))

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	if !bytes.Equal(loc.TCP.LayerPayload(), payload) {
		t.Fatalf("payload = %q, want %q", loc.TCP.LayerPayload(), payload)
	}
}

func TestFindTCP_DepthBoundExceeded(t *testing.T) {
	const nTags = MaxTunnelDepth + 1

	ls := []gopacket.SerializableLayer{baseEthernet(layers.EthernetTypeDot1Q)}
	for i := 0; i < nTags; i++ {
		next := layers.EthernetTypeDot1Q
		if i == nTags-1 {
			next = layers.EthernetTypeIPv4
		}
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: uint16(i + 1), Type: next})
	}
	ip := baseIPv4(layers.IPProtocolTCP)
	tcp := baseTCP(ip, 1)
	ls = append(ls, ip, tcp, gopacket.Payload([]byte("x")))

	data := serialize(t, ls...)
	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	_, err := FindTCP(packet)
	if !errors.Is(err, ErrNoTCP) {
		t.Fatalf("expected ErrNoTCP once depth bound is exceeded, got %v", err)
	}
}

func TestFindTCP_ERSPANTypeII(t *testing.T) {
	innerIP := baseIPv4(layers.IPProtocolTCP)
	innerTCP := baseTCP(innerIP, 500)
	innerPayload := []byte("erspan-payload")
	inner := serialize(t, baseEthernet(layers.EthernetTypeIPv4), innerIP, innerTCP, gopacket.Payload(innerPayload))

	erspanHeader := make([]byte, erspanTypeIIHeaderLen)
	grePayload := append(erspanHeader, inner...)

	gre := &layers.GRE{Protocol: layers.EthernetType(greProtoERSPANII)}
	outerIP := baseIPv4(layers.IPProtocolGRE)
	data := serialize(t, baseEthernet(layers.EthernetTypeIPv4), outerIP, gre, gopacket.Payload(grePayload))

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	if !bytes.Equal(loc.TCP.LayerPayload(), innerPayload) {
		t.Fatalf("payload = %q, want %q", loc.TCP.LayerPayload(), innerPayload)
	}
}

func TestFindTCP_Geneve(t *testing.T) {
	innerIP := baseIPv4(layers.IPProtocolTCP)
	innerTCP := baseTCP(innerIP, 900)
	innerPayload := []byte("geneve-payload")
	inner := serialize(t, innerIP, innerTCP, gopacket.Payload(innerPayload))

	geneveHeader := []byte{
		0x00,       // version(2 bits) + optlen(6 bits) = 0
		0x00,       // flags
		0x08, 0x00, // protocol type: IPv4
		0x00, 0x00, 0x01, // VNI
		0x00, // reserved
	}
	udpPayload := append(append([]byte(nil), geneveHeader...), inner...)

	udp := &layers.UDP{SrcPort: 40000, DstPort: udpPortGeneve}
	outerIP := baseIPv4(layers.IPProtocolUDP)
	udp.SetNetworkLayerForChecksum(outerIP)
	data := serialize(t, baseEthernet(layers.EthernetTypeIPv4), outerIP, udp, gopacket.Payload(udpPayload))

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	if !bytes.Equal(loc.TCP.LayerPayload(), innerPayload) {
		t.Fatalf("payload = %q, want %q", loc.TCP.LayerPayload(), innerPayload)
	}
}

func TestFindTCP_NonTCPReturnsErrNoTCP(t *testing.T) {
	ip := baseIPv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 53, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)
	data := serialize(t, baseEthernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload([]byte("dns")))

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	_, err := FindTCP(packet)
	if !errors.Is(err, ErrNoTCP) {
		t.Fatalf("expected ErrNoTCP, got %v", err)
	}
}
