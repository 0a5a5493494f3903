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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rickypin/PktMask-sub005/internal/keeprule"
	"github.com/rickypin/PktMask-sub005/internal/transformer"
	"go.uber.org/zap"
)

// Masker rewrites one capture file's TCP payloads against a keeprule.Set.
// One Masker instance is owned by exactly one worker for the duration of
// one file, mirroring the Marker's ownership model (spec.md §5).
type Masker struct {
	cfg Config
}

// New builds a Masker from cfg.
func New(cfg Config) *Masker {
	return &Masker{cfg: cfg}
}

// maskResult reports what maskPacket did with a single decoded frame.
type maskResult struct {
	isTCP            bool
	streamID         string
	modified         bool
	bytesPreserved   uint64
	bytesMasked      uint64
	checksumMismatch bool
}

// MaskFile reads every packet in inPath, masks TCP payload bytes outside
// set's preserved ranges, and writes the result to outPath in the same
// capture format, per spec.md §4.3. A nil or empty-with-Err set (the
// Marker's DissectorError fallback, spec.md §7) masks every TCP payload in
// the file.
func (m *Masker) MaskFile(ctx context.Context, inPath, outPath string, set *keeprule.Set) (Stats, error) {
	log := m.cfg.logger()
	start := time.Now()

	src, format, closeIn, err := transformer.OpenSource(inPath)
	if err != nil {
		return Stats{}, err
	}
	defer closeIn.Close()

	sink, closeOut, err := transformer.CreateSink(outPath, format, src.LinkType(), transformer.SourceSnapLen(src))
	if err != nil {
		return Stats{}, err
	}
	defer closeOut.Close()

	if set == nil {
		set = keeprule.NewSet()
	}
	lookup := BuildLookup(set)
	ids := newStreamIdentifier()
	seenStreams := make(map[string]struct{})

	buf := newReadAheadBuffer(m.cfg.bufferCapacity(), func() {
		log.Warn("masker: read-ahead buffer saturated, reader is outpacing the masking loop")
	})
	go buf.fill(src)

	var stats Stats
	for {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}

		p, ok := buf.next()
		if !ok {
			break
		}
		if p.err != nil {
			return stats, fmt.Errorf("masker: read packet: %w", p.err)
		}
		stats.PacketsTotal++

		res, err := m.maskPacket(p.data, src.LinkType(), lookup, ids)
		if err != nil {
			log.Warn("masker: packet processing failed, writing frame unmodified", zap.Error(err))
		}
		if res.isTCP {
			stats.PacketsTCP++
			seenStreams[res.streamID] = struct{}{}
			if res.modified {
				stats.PacketsModified++
			}
			stats.BytesPreserved += res.bytesPreserved
			stats.BytesMasked += res.bytesMasked
			if res.checksumMismatch {
				stats.ChecksumMismatches++
				log.Warn("masker: original TCP checksum failed verification before masking",
					zap.String("stream_id", res.streamID))
			}
		}

		if err := sink.WritePacket(p.ci, p.data); err != nil {
			return stats, fmt.Errorf("masker: write packet: %w", err)
		}
	}

	if err := sink.Flush(); err != nil {
		return stats, fmt.Errorf("masker: flush output: %w", err)
	}

	stats.StreamsObserved = len(seenStreams)
	stats.Elapsed = time.Since(start)
	return stats, nil
}

// maskPacket decodes one frame, locates its TCP payload (if any, unwrapping
// tunnels per transformer.FindTCP), masks every byte the lookup doesn't
// cover, and patches the TCP checksum in place when anything changed. Non-
// TCP frames pass through byte-for-byte (spec.md §8 property "Non-TCP
// traffic unmodified").
func (m *Masker) maskPacket(data []byte, linkType layers.LinkType, lookup *Lookup, ids *streamIdentifier) (maskResult, error) {
	packet := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	loc, err := transformer.FindTCP(packet)
	if err != nil {
		if errors.Is(err, transformer.ErrNoTCP) {
			return maskResult{}, nil
		}
		return maskResult{}, err
	}

	srcAddr, dstAddr := networkAddrs(loc.Network)
	streamID, dir := ids.observeTCP(srcAddr, dstAddr, loc.TCP)

	payload := loc.TCP.LayerPayload()
	res := maskResult{isTCP: true, streamID: streamID}
	if len(payload) == 0 {
		return res, nil
	}

	if m.cfg.VerifyChecksums {
		res.checksumMismatch = !checksumValid(loc.Network, loc.TCP.LayerContents(), payload)
	}

	seqStart := loc.TCP.Seq
	headerOnly, fullPreserve, ok := lookup.For(streamID, dir)

	var protect []bool
	if ok {
		protect = make([]bool, len(payload))
		for _, r := range fullPreserve.find(seqStart, seqStart+uint32(len(payload))) {
			markProtected(protect, seqStart, r)
		}
		for _, r := range headerOnly.find(seqStart, seqStart+uint32(len(payload))) {
			markProtected(protect, seqStart, r)
		}
	}

	for i := range payload {
		if protect != nil && protect[i] {
			res.bytesPreserved++
			continue
		}
		payload[i] = m.cfg.MaskByteValue
		res.bytesMasked++
	}

	res.modified = res.bytesMasked > 0
	if res.modified {
		patchTCPChecksum(loc.Network, loc.TCP.LayerContents(), payload)
	}
	return res, nil
}

// markProtected marks the positions of protect (indexed relative to base)
// that fall within r, clipped to protect's bounds.
func markProtected(protect []bool, base uint32, r Range) {
	limit := base + uint32(len(protect))
	start := r.Start
	if start < base {
		start = base
	}
	end := r.End
	if end > limit {
		end = limit
	}
	for s := start; s < end; s++ {
		protect[s-base] = true
	}
}
