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
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MaxTunnelDepth bounds tunnel-unwrap recursion per spec.md §4.3 step 1:
// "Bound recursion at a fixed depth (e.g., 10) and treat exceeding it as
// 'no TCP'".
const MaxTunnelDepth = 10

// ErrNoTCP is returned when a packet has no TCP payload to mask, including
// when the depth bound is exceeded.
var ErrNoTCP = errors.New("transformer: no TCP layer found")

const (
	greProtoERSPANII  = 0x88BE
	greProtoERSPANIII = 0x22EB
	udpPortGeneve     = 6081

	erspanTypeIIHeaderLen  = 8
	erspanTypeIIIHeaderLen = 12
)

// TCPLocation describes where the TCP layer and its payload live inside a
// packet's raw bytes, in absolute byte offsets from the start of the frame.
type TCPLocation struct {
	TCP           *layers.TCP
	Network       gopacket.NetworkLayer
	HeaderOffset  int // start of the TCP header
	PayloadOffset int // start of the TCP payload (header end)
	PayloadLen    int
}

// FindTCP walks a decoded packet, unwrapping VLAN/MPLS/GRE/VXLAN/GENEVE/
// ERSPAN encapsulation up to MaxTunnelDepth, and returns the innermost TCP
// layer's location (spec.md §4.3 step 1). gopacket's own decoders already
// walk VLAN (Dot1Q/Dot1AD), MPLS, GRE, and VXLAN as first-class layer
// types — FindTCP's job for those is to count them against the depth bound
// while iterating packet.Layers(). GENEVE and ERSPAN have no decoder in
// gopacket/layers, so the chain stops at an opaque trailing payload when it
// meets one; findTunneledTCP below recognizes exactly those two cases
// (UDP/6081 for GENEVE, GRE protocol 0x88BE/0x22EB for ERSPAN-II/III) and
// recurses into the inner Ethernet frame by constructing a fresh
// gopacket.Packet over the remaining bytes, mirroring the teacher's
// per-layer-type dispatch pattern in translator_worker.go but advancing
// through tunnels instead of translating layers to log lines (§9 design
// note).
func FindTCP(packet gopacket.Packet) (*TCPLocation, error) {
	return findTunneledTCP(packet, 0, 0)
}

func findTunneledTCP(packet gopacket.Packet, baseOffset int, depth int) (*TCPLocation, error) {
	var offset = baseOffset
	var network gopacket.NetworkLayer

	for _, l := range packet.Layers() {
		switch v := l.(type) {
		case *layers.IPv4:
			network = v
		case *layers.IPv6:
			network = v
		case *layers.TCP:
			headerLen := len(v.LayerContents())
			return &TCPLocation{
				TCP:           v,
				Network:       network,
				HeaderOffset:  offset,
				PayloadOffset: offset + headerLen,
				PayloadLen:    len(v.LayerPayload()),
			}, nil
		case *layers.GRE:
			if loc, err := maybeUnwrapERSPAN(v, offset, depth); err == nil {
				return loc, nil
			}
		case *layers.UDP:
			if loc, err := maybeUnwrapGeneve(v, offset, depth); err == nil {
				return loc, nil
			}
		}

		if isTunnelLayer(l.LayerType()) {
			depth++
			if depth > MaxTunnelDepth {
				return nil, ErrNoTCP
			}
		}
		offset += len(l.LayerContents())
	}

	return nil, ErrNoTCP
}

func isTunnelLayer(t gopacket.LayerType) bool {
	switch t {
	case layers.LayerTypeDot1Q, layers.LayerTypeMPLS, layers.LayerTypeGRE, layers.LayerTypeVXLAN:
		return true
	default:
		return false
	}
}

func maybeUnwrapERSPAN(gre *layers.GRE, offset int, depth int) (*TCPLocation, error) {
	var headerLen int
	switch uint16(gre.Protocol) {
	case greProtoERSPANII:
		headerLen = erspanTypeIIHeaderLen
	case greProtoERSPANIII:
		headerLen = erspanTypeIIIHeaderLen
	default:
		return nil, ErrNoTCP
	}

	payload := gre.LayerPayload()
	if len(payload) < headerLen {
		return nil, ErrNoTCP
	}
	if depth+1 > MaxTunnelDepth {
		return nil, ErrNoTCP
	}

	inner := gopacket.NewPacket(payload[headerLen:], layers.LayerTypeEthernet,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	return findTunneledTCP(inner, offset+len(gre.LayerContents())+headerLen, depth+1)
}

func maybeUnwrapGeneve(udp *layers.UDP, offset int, depth int) (*TCPLocation, error) {
	if uint16(udp.DstPort) != udpPortGeneve {
		return nil, ErrNoTCP
	}
	payload := udp.LayerPayload()
	if len(payload) < 8 {
		return nil, ErrNoTCP
	}
	// Geneve header (RFC 8926 §3.1): 1 byte version+optlen, 1 byte flags,
	// 2 bytes protocol type, 3 bytes VNI, 1 reserved byte, then
	// optlen*4 bytes of options.
	optLenWords := int(payload[0] & 0x3f)
	headerLen := 8 + optLenWords*4
	if len(payload) < headerLen {
		return nil, ErrNoTCP
	}
	if depth+1 > MaxTunnelDepth {
		return nil, ErrNoTCP
	}

	innerEtherType := binary.BigEndian.Uint16(payload[2:4])
	innerType := etherTypeToLayer(innerEtherType)

	inner := gopacket.NewPacket(payload[headerLen:], innerType,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	return findTunneledTCP(inner, offset+len(udp.LayerContents())+headerLen, depth+1)
}

func etherTypeToLayer(et uint16) gopacket.LayerType {
	switch et {
	case 0x0800:
		return layers.LayerTypeIPv4
	case 0x86DD:
		return layers.LayerTypeIPv6
	default:
		return layers.LayerTypeEthernet
	}
}
