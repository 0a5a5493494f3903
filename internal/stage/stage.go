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
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rickypin/PktMask-sub005/internal/marker"
	"github.com/rickypin/PktMask-sub005/internal/masker"
	"github.com/rickypin/PktMask-sub005/internal/transformer"
	"go.uber.org/zap"
)

// Stats is the statistics record process_file returns, per spec.md §6.
type Stats struct {
	StageName         string
	PacketsProcessed  uint64
	PacketsModified   uint64
	DurationMS        int64
	MaskedBytes       uint64
	PreservedBytes    uint64
	MaskingRatio      float64
	PreservationRatio float64
	Protocol          string
	Mode              string
	Success           bool
	Cancelled         bool
	Errors            []string
	Warnings          []string
}

// Stage sequences the Marker and the Masker for one file at a time. A Stage
// instance is owned by exactly one worker and MUST NOT be shared across
// concurrent ProcessFile calls (spec.md §5); an outer driver wanting
// parallelism across files constructs one Stage per goroutine.
type Stage struct {
	cfg Config
	log *zap.Logger
}

// New validates cfg and returns a ready Stage, or a *Error{Kind: ErrConfig}
// if validation fails — spec.md §7: "configuration errors terminate the run
// before any file is touched."
func New(cfg Config, logger *zap.Logger) (*Stage, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{cfg: cfg, log: logger}, nil
}

// CheckDissector verifies the Marker's external dissector once; a CLI
// driver should call this at startup, not per file, matching
// internal/marker's own CheckDissector contract.
func (s *Stage) CheckDissector(ctx context.Context) error {
	mk := marker.New(s.markerConfig(), nil)
	if err := mk.CheckDissector(ctx); err != nil {
		return newError(ErrDissector, "dissector unavailable or too old", err)
	}
	return nil
}

func (s *Stage) markerConfig() marker.Config {
	p := s.cfg.Marker.Preserve
	return marker.Config{
		Preserve: marker.PreserveConfig{
			Handshake:        p.Handshake,
			ApplicationData:  p.ApplicationData,
			Alert:            p.Alert,
			ChangeCipherSpec: p.ChangeCipherSpec,
			Heartbeat:        p.Heartbeat,
		},
		TsharkPath: s.cfg.Marker.TsharkPath,
		DecodeAs:   s.cfg.Marker.DecodeAs,
		Timeout:    time.Duration(s.cfg.Marker.DissectorTimeoutMS) * time.Millisecond,
		Logger:     s.log,
	}
}

func (s *Stage) maskerConfig() masker.Config {
	return masker.Config{
		MaskByteValue:   byte(s.cfg.Masker.MaskByteValue),
		VerifyChecksums: s.cfg.Masker.VerifyChecksums,
		BufferCapacity:  s.cfg.Masker.ChunkSize,
		Logger:          s.log,
	}
}

// ProcessFile runs mode's path against in and writes out, per spec.md
// §4.4's process_file: reset state, Marker → KeepRuleSet, Masker →
// MaskingStats, translate to the statistics record.
func (s *Stage) ProcessFile(ctx context.Context, in, out string) (Stats, error) {
	start := time.Now()

	if s.cfg.Mode == ModeBasic {
		return s.processBasic(ctx, in, out, start)
	}
	return s.processEnhanced(ctx, in, out, start)
}

func (s *Stage) processBasic(ctx context.Context, in, out string, start time.Time) (Stats, error) {
	stats := Stats{StageName: "payload_masking", Protocol: s.cfg.Protocol, Mode: string(s.cfg.Mode)}

	select {
	case <-ctx.Done():
		stats.Cancelled = true
		stats.DurationMS = time.Since(start).Milliseconds()
		return stats, nil
	default:
	}

	// basic mode bypasses both modules entirely: spec.md §4.4 requires a
	// verbatim copy, so this is a plain io.Copy rather than a decode/
	// re-encode round trip through gopacket, which would risk normalizing
	// bytes gopacket doesn't preserve byte-for-byte (property 10, §8).
	src, err := os.Open(in)
	if err != nil {
		return stats, newError(ErrIO, "cannot open input for basic-mode copy", err)
	}
	defer src.Close()

	dst, err := os.Create(out)
	if err != nil {
		return stats, newError(ErrIO, "cannot create output for basic-mode copy", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return stats, newError(ErrIO, "basic-mode copy failed", err)
	}

	stats.Success = true
	stats.DurationMS = time.Since(start).Milliseconds()
	return stats, nil
}

func (s *Stage) processEnhanced(ctx context.Context, in, out string, start time.Time) (Stats, error) {
	stats := Stats{StageName: "payload_masking", Protocol: s.cfg.Protocol, Mode: string(s.cfg.Mode)}

	mk := marker.New(s.markerConfig(), nil)
	set := mk.AnalyzeFile(ctx, in)
	if set.Err != nil {
		// DissectorError per spec.md §7: reported as a warning, not a stage
		// failure; the Masker below still runs and masks every TCP payload
		// against the resulting empty rule set.
		stats.Warnings = append(stats.Warnings, set.Err.Error())
	}

	mr := masker.New(s.maskerConfig())
	mstats, err := mr.MaskFile(ctx, in, out, set)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			stats.Cancelled = true
			stats.DurationMS = time.Since(start).Milliseconds()
			return stats, nil
		}
		stats.Errors = append(stats.Errors, err.Error())
		stats.DurationMS = time.Since(start).Milliseconds()
		return stats, newError(ErrIO, "masking failed", err)
	}

	stats.PacketsProcessed = mstats.PacketsTotal
	stats.PacketsModified = mstats.PacketsModified
	stats.MaskedBytes = mstats.BytesMasked
	stats.PreservedBytes = mstats.BytesPreserved
	if total := mstats.BytesMasked + mstats.BytesPreserved; total > 0 {
		stats.MaskingRatio = float64(mstats.BytesMasked) / float64(total)
		stats.PreservationRatio = float64(mstats.BytesPreserved) / float64(total)
	}
	if mstats.ChecksumMismatches > 0 {
		stats.Warnings = append(stats.Warnings,
			fmt.Sprintf("%d packet(s) failed pre-mask checksum verification", mstats.ChecksumMismatches))
	}

	if s.cfg.Mode == ModeDebug {
		if err := validateLengthAndCountInvariants(in, out); err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			stats.DurationMS = time.Since(start).Milliseconds()
			return stats, newError(ErrIO, "debug-mode invariant check failed", err)
		}
	}

	stats.Success = true
	stats.DurationMS = time.Since(start).Milliseconds()
	return stats, nil
}

// validateLengthAndCountInvariants is debug mode's "additional validation"
// over enhanced mode (spec.md §4.4): it re-reads in and out and checks, per
// spec.md §8 properties 1 and 2, that the output carries exactly as many
// packets as the input and that the packets at each position have the same
// wire length, captured length and frame byte length. Timestamps and packet
// contents are not compared. A violation here means the Masker
// broke its own length-preservation contract, not that the input was bad,
// so it is reported as an IOError rather than absorbed as a warning.
func validateLengthAndCountInvariants(in, out string) error {
	srcIn, _, closeIn, err := transformer.OpenSource(in)
	if err != nil {
		return fmt.Errorf("reopen input for validation: %w", err)
	}
	defer closeIn.Close()

	srcOut, _, closeOut, err := transformer.OpenSource(out)
	if err != nil {
		return fmt.Errorf("reopen output for validation: %w", err)
	}
	defer closeOut.Close()

	var n int
	for {
		dataIn, ciIn, errIn := srcIn.ReadPacketData()
		dataOut, ciOut, errOut := srcOut.ReadPacketData()
		if errors.Is(errIn, io.EOF) || errors.Is(errOut, io.EOF) {
			if errIn != errOut {
				return fmt.Errorf("packet count mismatch: input and output diverged after %d packets", n)
			}
			return nil
		}
		if errIn != nil {
			return fmt.Errorf("read input packet %d: %w", n, errIn)
		}
		if errOut != nil {
			return fmt.Errorf("read output packet %d: %w", n, errOut)
		}
		if ciIn.CaptureLength != ciOut.CaptureLength || ciIn.Length != ciOut.Length {
			return fmt.Errorf(
				"packet %d: length changed (captured %d->%d, wire %d->%d)",
				n, ciIn.CaptureLength, ciOut.CaptureLength, ciIn.Length, ciOut.Length,
			)
		}
		if len(dataIn) != len(dataOut) {
			return fmt.Errorf("packet %d: frame byte length changed (%d->%d)", n, len(dataIn), len(dataOut))
		}
		n++
	}
}
