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
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rickypin/PktMask-sub005/internal/keeprule"
)

// networkAddrs extracts the string src/dst addresses from an IPv4 or IPv6
// network layer, mirroring the ip.src/ip.dst vs. ipv6.src/ipv6.dst field
// selection the Marker's dissector-JSON parsing uses.
func networkAddrs(network gopacket.NetworkLayer) (src, dst string) {
	switch n := network.(type) {
	case *layers.IPv4:
		return n.SrcIP.String(), n.DstIP.String()
	case *layers.IPv6:
		return n.SrcIP.String(), n.DstIP.String()
	default:
		return "", ""
	}
}

// streamIdentifier assigns the Masker's own stream ids from TCP/IP layers
// using the exact same keeprule.CanonicalFiveTuple ordering and
// first-sighting allocation the Marker uses, so the two independently
// agree on numbering for the same capture (spec.md §9 Open Question 2).
type streamIdentifier struct {
	alloc *keeprule.StreamIDAllocator
}

func newStreamIdentifier() *streamIdentifier {
	return &streamIdentifier{alloc: keeprule.NewStreamIDAllocator()}
}

// observeTCP derives the five-tuple from the network layer's addresses and
// the TCP layer's ports, and returns the stream id and direction.
func (s *streamIdentifier) observeTCP(srcAddr, dstAddr string, tcp *layers.TCP) (streamID string, dir keeprule.Direction) {
	src := keeprule.Endpoint{Addr: srcAddr, Port: uint16(tcp.SrcPort)}
	dst := keeprule.Endpoint{Addr: dstAddr, Port: uint16(tcp.DstPort)}
	return s.alloc.Observe(src, dst)
}
