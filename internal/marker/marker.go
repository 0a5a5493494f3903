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

package marker

import (
	"context"
	"fmt"
	"io"

	"github.com/Jeffail/gabs/v2"
	"github.com/alphadose/haxmap"
	"github.com/rickypin/PktMask-sub005/internal/keeprule"
	sf "github.com/wissance/stringFormatter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Marker analyzes TLS-over-TCP streams and emits a keeprule.Set. One Marker
// instance is owned by exactly one worker for the duration of one file
// (spec.md §5).
type Marker struct {
	cfg    Config
	runner Runner
	log    *zap.Logger
}

// New builds a Marker. If cfg.Logger is nil a no-op logger is used.
func New(cfg Config, runner Runner) *Marker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if runner == nil {
		runner = NewTsharkRunner(cfg.TsharkPath)
	}
	return &Marker{cfg: cfg, runner: runner, log: logger}
}

// CheckDissector verifies the dissector is reachable and new enough, per
// spec.md §4.2/§6. Stage.CheckDissector calls it; AnalyzeFile does not.
func (m *Marker) CheckDissector(ctx context.Context) error {
	major, minor, patch, err := m.runner.Version(ctx)
	if err != nil {
		return fmt.Errorf("marker: dissector unavailable: %w", err)
	}
	if !versionAtLeast(major, minor, patch, MinTsharkVersion) {
		return fmt.Errorf(
			"marker: dissector version %d.%d.%d below required %d.%d.%d",
			major, minor, patch, MinTsharkVersion[0], MinTsharkVersion[1], MinTsharkVersion[2],
		)
	}
	return nil
}

// AnalyzeFile runs the full Marker algorithm from spec.md §4.2 and returns
// the resulting keeprule.Set. On any dissector failure it returns an empty,
// error-annotated set rather than propagating the error, matching spec.md
// §7's DissectorError semantics: the Masker will then mask every TCP
// payload in the file.
func (m *Marker) AnalyzeFile(ctx context.Context, pcapPath string) *keeprule.Set {
	set := keeprule.NewSet()
	set.Analyzer = "marker.tls"

	// The two dissector invocations are independent tshark subprocesses
	// reading the same file; running them concurrently roughly halves
	// wall-clock dissector time on multi-core hosts. Each pass fills its
	// own haxmap.Map, so there is no shared-write contention, but both
	// maps are still merged by mergeViews under the same concurrent-safe
	// type used elsewhere in the pack for flow bookkeeping.
	var reassembled, segments *haxmap.Map[uint32, frameRecord]
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.log.Debug("running reassembled dissector pass", zap.String("pcap", pcapPath))
		r, err := m.readFrames(gctx, pcapPath, true)
		if err != nil {
			return err
		}
		reassembled = r
		return nil
	})
	g.Go(func() error {
		m.log.Debug("running segment dissector pass", zap.String("pcap", pcapPath))
		s, err := m.readFrames(gctx, pcapPath, false)
		if err != nil {
			return err
		}
		segments = s
		return nil
	})
	if err := g.Wait(); err != nil {
		m.log.Warn("dissector pass failed", zap.Error(err), zap.String("pcap", pcapPath))
		set.Err = err
		return set
	}

	frames := mergeViews(reassembled, segments)
	m.emitRules(set, frames)
	return set
}

func (m *Marker) readFrames(ctx context.Context, pcapPath string, reassembled bool) (*haxmap.Map[uint32, frameRecord], error) {
	// Bound the dissector subprocess's wall clock per spec.md §5: "the
	// dissector subprocess is given a bounded wall-clock timeout; on
	// timeout the Marker returns an empty KeepRuleSet and annotates the
	// error." A zero Timeout leaves ctx as the caller gave it.
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	var rc io.ReadCloser
	var err error
	if reassembled {
		rc, err = m.runner.Reassembled(ctx, pcapPath, m.cfg.DecodeAs)
	} else {
		rc, err = m.runner.Segments(ctx, pcapPath, m.cfg.DecodeAs)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	out := haxmap.New[uint32, frameRecord]()
	err = decodeDissectorJSON(rc, func(c *gabs.Container) error {
		rec, ok := parseFrame(c, !reassembled)
		if !ok {
			return nil // malformed element: skip, not fatal (spec.md §4.2)
		}
		out.Set(rec.FrameNumber, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// streamDir groups frames into the shared canonical five-tuple stream id
// and direction assigned by keeprule.StreamIDAllocator, so the Marker and
// the Masker can never disagree on numbering (spec.md §9 Open Question 2).
type streamDir struct {
	streamID string
	dir      keeprule.Direction
}

// emitRules implements the per-packet record-emission loop from spec.md
// §4.2, including cross-segment predecessor recovery.
func (m *Marker) emitRules(set *keeprule.Set, frames []frameRecord) {
	alloc := keeprule.NewStreamIDAllocator()
	// segEnd indexes, per (stream,direction), every frame seen so far by its
	// ending sequence number, so a later frame's cross-segment search can
	// walk backward through predecessors in O(1) per hop instead of
	// rescanning the whole frame list; the walk follows only frames that
	// carry a segment fragment.
	segEnd := make(map[streamDir]map[uint32]frameRecord)

	for _, f := range frames {
		sid, dir := alloc.Observe(f.Src, f.Dst)
		key := streamDir{sid, dir}

		if set.Flows[sid] == nil {
			// This is the first frame observed for sid, so its own source is
			// the forward-direction endpoint by definition (spec.md §4.2
			// "Direction assignment").
			set.Flows[sid] = &keeprule.FlowInfo{
				StreamID:    sid,
				SrcAddr:     f.Src.Addr,
				DstAddr:     f.Dst.Addr,
				SrcPort:     f.Src.Port,
				DstPort:     f.Dst.Port,
				Proto:       "tcp",
				ForwardSrc:  f.Src.Addr,
				ForwardPort: f.Src.Port,
			}
		}
		fi := set.Flows[sid]
		fi.PacketCount++
		fi.ByteCount += uint64(f.TCPLen)

		if len(f.ContentTypes) > 0 {
			m.emitFrameRules(set, f, sid, dir, segEnd)
		}

		if segEnd[key] == nil {
			segEnd[key] = make(map[uint32]frameRecord)
		}
		segEnd[key][f.Seq+f.TCPLen] = f
	}
}

func (m *Marker) emitFrameRules(
	set *keeprule.Set,
	f frameRecord,
	streamID string,
	dir keeprule.Direction,
	segEnd map[streamDir]map[uint32]frameRecord,
) {
	var off uint32
	n := len(f.ContentTypes)
	if len(f.Lengths) < n {
		n = len(f.Lengths)
	}

	for i := 0; i < n; i++ {
		ct := f.ContentTypes[i]
		length := f.Lengths[i]
		recordTotal := uint32(5) + length

		if !m.cfg.Preserve.shouldPreserve(ct) {
			off += recordTotal
			continue
		}

		seqStart := f.Seq + off
		remaining := f.TCPLen - off
		crossSegment := recordTotal > remaining

		if crossSegment {
			earliest := findEarliestPredecessor(segEnd, streamDir{streamID, dir}, seqStart)
			seqStart = earliest
		}

		if ct == contentTypeApplicationData && !m.cfg.Preserve.ApplicationData {
			_ = set.AddRule(keeprule.KeepRule{
				StreamID:  streamID,
				Direction: dir,
				SeqStart:  seqStart,
				SeqEnd:    seqStart + 5,
				RuleType:  keeprule.RuleTLSApplicationDataHdr,
				Metadata: keeprule.RuleMetadata{
					ContentType: ct,
					SourceFrame: f.FrameNumber,
					Strategy:    keeprule.HeaderOnly,
				},
			})
		} else {
			_ = set.AddRule(keeprule.KeepRule{
				StreamID:  streamID,
				Direction: dir,
				SeqStart:  seqStart,
				SeqEnd:    seqStart + recordTotal,
				RuleType:  contentTypeNames[ct],
				Metadata: keeprule.RuleMetadata{
					ContentType: ct,
					SourceFrame: f.FrameNumber,
					Strategy:    keeprule.FullPreserve,
				},
			})
		}

		off += recordTotal
	}

	if off > f.TCPLen {
		m.log.Debug("malformed TLS record sequence, trailing bytes unprotected",
			zap.String("frame", sf.Format("{0}", f.FrameNumber)))
	}
}

// findEarliestPredecessor walks backward through the contiguous chain of
// prior segment-carrying frames ending exactly at targetSeq, returning the
// earliest one's own starting sequence number. This is spec.md §4.2's
// cross-segment record recovery: "the Marker searches backwards through
// prior frames of the same stream and direction for a contiguous
// predecessor ... The rule's seq_start is then set to the earliest such
// predecessor's sequence start."
func findEarliestPredecessor(segEnd map[streamDir]map[uint32]frameRecord, key streamDir, targetSeq uint32) uint32 {
	byEnd := segEnd[key]
	if byEnd == nil {
		return targetSeq
	}
	cur := targetSeq
	for {
		pred, ok := byEnd[cur]
		if !ok || !pred.HasSegmentData {
			return cur
		}
		cur = pred.Seq
	}
}
