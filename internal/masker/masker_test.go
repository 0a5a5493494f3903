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

package masker

import (
	"bytes"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rickypin/PktMask-sub005/internal/keeprule"
	"github.com/rickypin/PktMask-sub005/internal/transformer"
)

func buildTCPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, seq uint32, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     1,
		Window:  8192,
		ACK:     true,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func buildUDPPacket(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP).To4(),
		DstIP:    net.ParseIP(dstIP).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

// verifyTCPChecksum re-decodes data and checks the TCP checksum it carries
// satisfies the standard ones'-complement identity: summing the pseudo
// header, the real (non-zeroed) TCP header, and the payload folds to zero.
func verifyTCPChecksum(t *testing.T, data []byte) {
	t.Helper()
	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := transformer.FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	header := loc.TCP.LayerContents()
	payload := loc.TCP.LayerPayload()

	sum := checksumAccumulate(0, pseudoHeader(loc.Network, len(header)+len(payload)))
	sum = checksumAccumulate(sum, header)
	sum = checksumAccumulate(sum, payload)
	if got := checksumFinalize(sum); got != 0 {
		t.Fatalf("checksum identity failed: folded to %#04x, want 0", got)
	}
}

func TestMaskPacket_PreservesRuleRangeMasksRest(t *testing.T) {
	payload := []byte("ABCDEFGHIJ") // 10 bytes, seq 1000..1010
	data := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 1000, 443, 1000, payload)

	set := keeprule.NewSet()
	if err := set.AddRule(keeprule.KeepRule{
		StreamID:  "0",
		Direction: keeprule.Forward,
		SeqStart:  1002,
		SeqEnd:    1005,
		RuleType:  keeprule.RuleTLSHandshake,
		Metadata:  keeprule.RuleMetadata{Strategy: keeprule.FullPreserve},
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	lookup := BuildLookup(set)
	ids := newStreamIdentifier()
	m := New(Config{})

	res, err := m.maskPacket(data, layers.LinkTypeEthernet, lookup, ids)
	if err != nil {
		t.Fatalf("maskPacket: %v", err)
	}
	if !res.isTCP || !res.modified {
		t.Fatalf("expected isTCP+modified, got %+v", res)
	}
	if res.bytesPreserved != 3 || res.bytesMasked != 7 {
		t.Fatalf("expected 3 preserved / 7 masked, got %d/%d", res.bytesPreserved, res.bytesMasked)
	}

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := transformer.FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	got := loc.TCP.LayerPayload()
	want := []byte{0, 0, 'C', 'D', 'E', 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("payload = %q, want %q", got, want)
	}

	verifyTCPChecksum(t, data)
}

func TestMaskPacket_EmptyRuleSetMasksEverything(t *testing.T) {
	payload := []byte("0123456789")
	data := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 2000, 443, 5000, payload)

	lookup := BuildLookup(keeprule.NewSet())
	ids := newStreamIdentifier()
	m := New(Config{})

	res, err := m.maskPacket(data, layers.LinkTypeEthernet, lookup, ids)
	if err != nil {
		t.Fatalf("maskPacket: %v", err)
	}
	if res.bytesMasked != uint64(len(payload)) || res.bytesPreserved != 0 {
		t.Fatalf("expected full mask, got masked=%d preserved=%d", res.bytesMasked, res.bytesPreserved)
	}

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := transformer.FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	for _, b := range loc.TCP.LayerPayload() {
		if b != 0 {
			t.Fatalf("expected all-zero payload, got %v", loc.TCP.LayerPayload())
		}
	}
	verifyTCPChecksum(t, data)
}

func TestMaskPacket_NonTCPPassthrough(t *testing.T) {
	original := buildUDPPacket(t, "10.0.0.1", "10.0.0.2", 5353, 5353, []byte("hello"))
	data := append([]byte(nil), original...)

	lookup := BuildLookup(keeprule.NewSet())
	ids := newStreamIdentifier()
	m := New(Config{})

	res, err := m.maskPacket(data, layers.LinkTypeEthernet, lookup, ids)
	if err != nil {
		t.Fatalf("maskPacket: %v", err)
	}
	if res.isTCP {
		t.Fatalf("expected non-TCP packet to report isTCP=false")
	}
	if !bytes.Equal(data, original) {
		t.Fatalf("non-TCP packet bytes were modified")
	}
}

func TestMaskPacket_VerifyChecksumsFlagsCorruptedInput(t *testing.T) {
	payload := []byte("0123456789")
	data := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 3000, 443, 7000, payload)

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := transformer.FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	// Flip a payload byte after the checksum was computed, simulating a
	// truncated or corrupted capture arriving at the masker.
	loc.TCP.LayerPayload()[0] ^= 0xff

	lookup := BuildLookup(keeprule.NewSet())
	ids := newStreamIdentifier()

	m := New(Config{VerifyChecksums: true})
	res, err := m.maskPacket(data, layers.LinkTypeEthernet, lookup, ids)
	if err != nil {
		t.Fatalf("maskPacket: %v", err)
	}
	if !res.checksumMismatch {
		t.Fatalf("expected checksumMismatch=true for corrupted payload")
	}

	// Masking still proceeds — a checksum mismatch is a warning, not a
	// reason to abort processing the packet (spec.md §7 DecodeError).
	if res.bytesMasked != uint64(len(payload)) {
		t.Fatalf("expected full mask despite mismatch, got masked=%d", res.bytesMasked)
	}
}

func TestMaskPacket_VerifyChecksumsOffByDefault(t *testing.T) {
	payload := []byte("0123456789")
	data := buildTCPPacket(t, "10.0.0.1", "10.0.0.2", 3000, 443, 7000, payload)

	packet := gopacket.NewPacket(data, layers.LinkTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	loc, err := transformer.FindTCP(packet)
	if err != nil {
		t.Fatalf("FindTCP: %v", err)
	}
	// Corrupt the payload so that verification, if it ran, would report a
	// mismatch.
	loc.TCP.LayerPayload()[0] ^= 0xff

	lookup := BuildLookup(keeprule.NewSet())
	ids := newStreamIdentifier()
	m := New(Config{})

	res, err := m.maskPacket(data, layers.LinkTypeEthernet, lookup, ids)
	if err != nil {
		t.Fatalf("maskPacket: %v", err)
	}
	if res.checksumMismatch {
		t.Fatalf("expected checksumMismatch=false when VerifyChecksums is off")
	}
}

func TestCoalesceMergesOverlappingAndAdjacent(t *testing.T) {
	in := []Range{{0, 10}, {10, 20}, {30, 40}, {35, 50}}
	out := coalesce(in)
	want := []Range{{0, 20}, {30, 50}}
	if len(out) != len(want) {
		t.Fatalf("got %v, want %v", out, want)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got %v, want %v", out, want)
		}
	}
}

func TestRangeListFindBinarySearchMatchesLinear(t *testing.T) {
	ranges := []Range{{100, 110}, {200, 210}, {300, 310}}
	linear := newRangeList(append([]Range(nil), ranges...), false)
	binary := newRangeList(append([]Range(nil), ranges...), true)

	for _, q := range []struct{ start, end uint32 }{
		{0, 50}, {105, 115}, {205, 305}, {0, 1000},
	} {
		l := linear.find(q.start, q.end)
		b := binary.find(q.start, q.end)
		if len(l) != len(b) {
			t.Fatalf("query [%d,%d): linear=%v binary=%v", q.start, q.end, l, b)
		}
		for i := range l {
			if l[i] != b[i] {
				t.Fatalf("query [%d,%d): linear=%v binary=%v", q.start, q.end, l, b)
			}
		}
	}
}
