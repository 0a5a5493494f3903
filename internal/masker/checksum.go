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
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// recomputeTCPChecksum is implemented against encoding/binary alone rather
// than gopacket's SerializeLayers/ComputeChecksums path. Serializing and
// re-encoding the TCP layer would let gopacket normalize fields (option
// padding, urgent pointer handling) that the Length Preservation and TCP
// Header Fields Preserved properties (spec.md §8, properties 1 and 4)
// require to stay byte-identical. Computing the checksum by hand and
// patching only the two checksum bytes in place keeps every other header
// byte untouched. No third-party checksum package appears anywhere in the
// retrieved corpus and gopacket's own checksum arithmetic is unexported, so
// this is one of the few pieces of the masker built directly on the
// standard library.
func recomputeTCPChecksum(network gopacket.NetworkLayer, tcpHeader, payload []byte) uint16 {
	pseudo := pseudoHeader(network, len(tcpHeader)+len(payload))

	sum := checksumAccumulate(0, pseudo)

	// The checksum field occupies bytes [16:18] of the TCP header; fold it
	// in as zero for the computation without mutating the caller's slice.
	sum = checksumAccumulate(sum, tcpHeader[:16])
	sum = checksumAccumulate(sum, []byte{0, 0})
	if len(tcpHeader) > 18 {
		sum = checksumAccumulate(sum, tcpHeader[18:])
	}
	sum = checksumAccumulate(sum, payload)

	return checksumFinalize(sum)
}

func pseudoHeader(network gopacket.NetworkLayer, tcpLength int) []byte {
	switch n := network.(type) {
	case *layers.IPv4:
		buf := make([]byte, 12)
		copy(buf[0:4], n.SrcIP.To4())
		copy(buf[4:8], n.DstIP.To4())
		buf[8] = 0
		buf[9] = byte(layers.IPProtocolTCP)
		binary.BigEndian.PutUint16(buf[10:12], uint16(tcpLength))
		return buf
	case *layers.IPv6:
		buf := make([]byte, 40)
		copy(buf[0:16], n.SrcIP.To16())
		copy(buf[16:32], n.DstIP.To16())
		binary.BigEndian.PutUint32(buf[32:36], uint32(tcpLength))
		buf[36], buf[37], buf[38] = 0, 0, 0
		buf[39] = byte(layers.IPProtocolTCP)
		return buf
	default:
		return nil
	}
}

// checksumAccumulate folds data's big-endian 16-bit words into a running
// ones'-complement sum, per RFC 793 §3.1.
func checksumAccumulate(sum uint32, data []byte) uint32 {
	i := 0
	for ; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if i < len(data) {
		sum += uint32(data[i]) << 8
	}
	return sum
}

func checksumFinalize(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// patchTCPChecksum recomputes and writes the TCP checksum into tcpHeader in
// place, mutating the backing buffer the packet was decoded from (the
// caller decodes with gopacket.DecodeOptions{NoCopy: true}, so tcpHeader
// aliases the original frame bytes).
func patchTCPChecksum(network gopacket.NetworkLayer, tcpHeader, payload []byte) {
	sum := recomputeTCPChecksum(network, tcpHeader, payload)
	binary.BigEndian.PutUint16(tcpHeader[16:18], sum)
}

// checksumValid reports whether tcpHeader's existing checksum field
// (bytes [16:18]) already satisfies the ones'-complement identity against
// the pseudo header and payload: folding the real checksum back in, the
// running sum must reduce to zero. Used by Config.VerifyChecksums to catch
// a corrupt or truncated input before it is masked, independent of the
// unconditional post-mask recomputation every modified packet gets.
func checksumValid(network gopacket.NetworkLayer, tcpHeader, payload []byte) bool {
	if network == nil {
		return true // non-IP network layer (shouldn't reach here); nothing to verify
	}
	pseudo := pseudoHeader(network, len(tcpHeader)+len(payload))
	if pseudo == nil {
		return true
	}
	sum := checksumAccumulate(0, pseudo)
	sum = checksumAccumulate(sum, tcpHeader)
	sum = checksumAccumulate(sum, payload)
	return checksumFinalize(sum) == 0
}
