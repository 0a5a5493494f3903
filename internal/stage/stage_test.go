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

package stage

import (
	"context"
	"crypto/sha256"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rickypin/PktMask-sub005/internal/transformer"
)

// Property 10: round-trip through basic mode is the identity.
func TestBasicModeRoundTripIsIdentity(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")

	payload := []byte("not actually a valid pcap, but basic mode never parses it")
	if err := os.WriteFile(in, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Mode = ModeBasic
	st, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stats, err := st.ProcessFile(context.Background(), in, out)
	if err != nil {
		t.Fatalf("ProcessFile: %v", err)
	}
	if !stats.Success {
		t.Fatalf("expected Success=true, got %+v", stats)
	}

	gotBytes, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if sha256.Sum256(gotBytes) != sha256.Sum256(payload) {
		t.Fatalf("basic-mode output is not byte-identical to input")
	}
}

func TestValidateRejectsUnsupportedProtocolAndMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocol = "quic"
	cfg.Mode = "aggressive"
	cfg.Masker.MaskByteValue = 999

	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var stageErr *Error
	if !asError(err, &stageErr) {
		t.Fatalf("expected *stage.Error, got %T", err)
	}
	if stageErr.Kind != ErrConfig {
		t.Fatalf("expected ErrConfig, got %v", stageErr.Kind)
	}
}

func TestValidateRejectsReservedSequenceWrapPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SequenceWrapPolicy = "two-rules"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for reserved sequence_wrap_policy")
	}
}

func TestNormalizeLegacyTranslatesFlatPreserveKeys(t *testing.T) {
	raw := map[string]any{
		"preserve_handshake":        true,
		"preserve_application_data": false,
		"basic_mode":                true,
		"mystery_key":               "unused",
	}
	cfg, warnings, err := NormalizeLegacy(raw)
	if err != nil {
		t.Fatalf("NormalizeLegacy: %v", err)
	}
	if !cfg.Marker.Preserve.Handshake || cfg.Marker.Preserve.ApplicationData {
		t.Fatalf("preserve flags not translated: %+v", cfg.Marker.Preserve)
	}
	if cfg.Mode != ModeBasic {
		t.Fatalf("expected basic_mode to translate to ModeBasic, got %v", cfg.Mode)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected warnings for legacy/unknown keys")
	}
}

func writeTCPPacketFile(t *testing.T, path string, payloads ...[]byte) {
	t.Helper()

	sink, closer, err := transformer.CreateSink(path, transformer.FormatPcap, layers.LinkTypeEthernet, transformer.DefaultSnapLen)
	if err != nil {
		t.Fatalf("CreateSink: %v", err)
	}
	defer closer.Close()

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
		SrcIP:    net.ParseIP("10.0.0.1").To4(),
		DstIP:    net.ParseIP("10.0.0.2").To4(),
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 443, Seq: 1000, Ack: 1, Window: 8192, ACK: true}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}

	for i, payload := range payloads {
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
			t.Fatalf("SerializeLayers: %v", err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(int64(i), 0),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := sink.WritePacket(ci, buf.Bytes()); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestValidateLengthAndCountInvariants_Matching(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	writeTCPPacketFile(t, in, []byte("hello"), []byte("world!!"))
	writeTCPPacketFile(t, out, []byte("xxxxx"), []byte("xxxxxxx"))

	if err := validateLengthAndCountInvariants(in, out); err != nil {
		t.Fatalf("expected no invariant violation, got: %v", err)
	}
}

func TestValidateLengthAndCountInvariants_PacketCountMismatch(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	writeTCPPacketFile(t, in, []byte("hello"), []byte("world!!"))
	writeTCPPacketFile(t, out, []byte("xxxxx"))

	if err := validateLengthAndCountInvariants(in, out); err == nil {
		t.Fatalf("expected packet count mismatch error")
	}
}

func TestValidateLengthAndCountInvariants_LengthChanged(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.pcap")
	out := filepath.Join(dir, "out.pcap")
	writeTCPPacketFile(t, in, []byte("hello"))
	writeTCPPacketFile(t, out, []byte("hello world, much longer now"))

	if err := validateLengthAndCountInvariants(in, out); err == nil {
		t.Fatalf("expected length-changed error")
	}
}

// asError is a small errors.As wrapper kept local to avoid importing
// "errors" just for this one assertion in one test.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
