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

package keeprule

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
)

// Set is a collection of KeepRule plus the per-stream FlowInfo map and
// bookkeeping the Marker attaches when it finishes (or fails to finish)
// analyzing a file. Rules are appended in emission order; nothing here
// sorts or merges them — that is the Masker's job (spec.md §4.3).
type Set struct {
	Rules   []KeepRule
	Flows   map[string]*FlowInfo
	Analyzer string
	// Err is non-nil when the Marker could not complete analysis (a
	// DissectorError per spec.md §7); in that case Rules is empty and the
	// Masker must fall back to masking every TCP payload in the file. Err
	// also accumulates the validation errors of rules AddRule rejected; in
	// that case Rules still holds every rule that was accepted.
	Err error
}

// NewSet returns an empty, ready-to-use rule set.
func NewSet() *Set {
	return &Set{Flows: make(map[string]*FlowInfo)}
}

// AddRule validates and appends rule. Invalid rules are rejected and their
// validation errors accumulated via multierr rather than discarded, so a
// caller can inspect every rejection a single analysis pass produced.
func (s *Set) AddRule(rule KeepRule) error {
	if err := rule.Validate(); err != nil {
		s.Err = multierr.Append(s.Err, err)
		return err
	}
	s.Rules = append(s.Rules, rule)
	return nil
}

// RulesFor returns the subset of rules belonging to (streamID, direction),
// in emission order.
func (s *Set) RulesFor(streamID string, direction Direction) []KeepRule {
	var out []KeepRule
	for _, r := range s.Rules {
		if r.StreamID == streamID && r.Direction == direction {
			out = append(out, r)
		}
	}
	return out
}

// TotalPreservedBytes sums (seq_end - seq_start) across every rule, with no
// deduplication of overlapping ranges — a straight sum as spec.md §4.1
// defines it.
func (s *Set) TotalPreservedBytes() uint64 {
	var total uint64
	for _, r := range s.Rules {
		total += uint64(r.Len())
	}
	return total
}

// MergeCompatible implements the optional merge helper from spec.md §4.1.
// It is never invoked automatically by the Marker; callers opt in
// explicitly. Two rules merge iff they share a stream and direction, their
// ranges overlap or touch, and their preserve strategies are compatible —
// a HeaderOnly rule never merges with a FullPreserve rule, and two
// HeaderOnly rules only merge when allowHeaderOnlyMerge is true.
func MergeCompatible(a, b KeepRule, allowHeaderOnlyMerge bool) (KeepRule, bool) {
	if a.StreamID != b.StreamID || a.Direction != b.Direction {
		return KeepRule{}, false
	}
	if !rangesTouchOrOverlap(a.SeqStart, a.SeqEnd, b.SeqStart, b.SeqEnd) {
		return KeepRule{}, false
	}

	aStrategy, bStrategy := a.Metadata.Strategy, b.Metadata.Strategy
	if aStrategy == HeaderOnly && bStrategy == HeaderOnly && !allowHeaderOnlyMerge {
		return KeepRule{}, false
	}
	if aStrategy != bStrategy {
		// a HeaderOnly rule is never merged with a FullPreserve rule.
		return KeepRule{}, false
	}

	merged := a
	if b.SeqStart < merged.SeqStart {
		merged.SeqStart = b.SeqStart
	}
	if b.SeqEnd > merged.SeqEnd {
		merged.SeqEnd = b.SeqEnd
	}

	tags := a.Metadata.RuleTypes
	if tags == nil {
		tags = mapset.NewSet[string](string(a.RuleType))
	}
	if b.Metadata.RuleTypes != nil {
		tags = tags.Union(b.Metadata.RuleTypes)
	} else {
		tags.Add(string(b.RuleType))
	}
	merged.Metadata.RuleTypes = tags

	return merged, true
}

func rangesTouchOrOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	// touching: aEnd == bStart or bEnd == aStart; overlapping per spec.md
	// §4.3's half-open rule: aEnd > bStart && bEnd > aStart.
	if aEnd == bStart || bEnd == aStart {
		return true
	}
	return aEnd > bStart && bEnd > aStart
}
