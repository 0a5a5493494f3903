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
	"sort"

	"github.com/rickypin/PktMask-sub005/internal/keeprule"
	"github.com/zhangyunhao116/skipmap"
)

// Range is a half-open [Start, End) absolute-sequence interval.
type Range struct {
	Start, End uint32
}

func (r Range) overlaps(start, end uint32) bool {
	// spec.md §4.3 "Overlap detection": [a,b) and [c,d) overlap iff
	// b > c && d > a.
	return r.End > start && end > r.Start
}

// largeRuleSetThreshold is the per-direction range count above which
// lookup switches from linear scan to binary search, per spec.md §5: "an
// internal optimization invisible to callers."
const largeRuleSetThreshold = 10000

// rangeList holds one direction's worth of ranges for one strategy bucket,
// sorted by Start.
type rangeList struct {
	ranges []Range
	binary bool
}

func newRangeList(ranges []Range, binary bool) rangeList {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	return rangeList{ranges: ranges, binary: binary}
}

// find returns every range overlapping [start, end). Below the large-set
// threshold this is a linear scan (spec.md §5's stated baseline); above it,
// sort.Search locates the first candidate and the scan proceeds only while
// ranges keep overlapping, per spec.md §4.3's exact search recipe: "binary-
// search to the first range whose b > seq_start_p, then linearly scan
// until a >= seq_end_p."
func (rl rangeList) find(start, end uint32) []Range {
	if len(rl.ranges) == 0 {
		return nil
	}

	startIdx := 0
	if rl.binary {
		startIdx = sort.Search(len(rl.ranges), func(i int) bool {
			return rl.ranges[i].End > start
		})
	}

	var out []Range
	for i := startIdx; i < len(rl.ranges); i++ {
		r := rl.ranges[i]
		if r.Start >= end {
			break
		}
		if r.overlaps(start, end) {
			out = append(out, r)
		}
	}
	return out
}

// streamLookup holds the two range lists for one (stream, direction).
type streamLookup struct {
	headerOnly   rangeList
	fullPreserve rangeList
}

// Lookup is the Masker's preprocessed keep-rule index, built once per file
// from the Marker's keeprule.Set (spec.md §4.3 "Preprocessing").
type Lookup struct {
	byKey map[string]*streamLookup
}

func lookupKey(streamID string, dir keeprule.Direction) string {
	return streamID + "|" + dir.String()
}

// BuildLookup indexes set into lookup[stream_id][direction] containing two
// range lists: header_only_ranges (untouched) and full_preserve_ranges
// (coalesced by merging overlapping/adjacent pairs), per spec.md §4.3.
func BuildLookup(set *keeprule.Set) *Lookup {
	headerByKey := make(map[string][]Range)
	fullByKey := make(map[string][]Range)

	// A staging skipmap per direction, filled only with the full-preserve
	// ranges added after that direction's count crosses
	// largeRuleSetThreshold. Its contents are not read back: the rangeLists
	// are built from headerByKey and fullByKey, and a key's presence here
	// only switches both of its lists to binary search.
	staging := make(map[string]*skipmap.Uint32Map[[]Range])

	for _, rule := range set.Rules {
		key := lookupKey(rule.StreamID, rule.Direction)
		r := Range{Start: rule.SeqStart, End: rule.SeqEnd}

		if rule.Metadata.Strategy == keeprule.HeaderOnly {
			headerByKey[key] = append(headerByKey[key], r)
			continue
		}

		fullByKey[key] = append(fullByKey[key], r)
		if len(fullByKey[key]) > largeRuleSetThreshold {
			sm, ok := staging[key]
			if !ok {
				sm = skipmap.NewUint32[[]Range]()
				staging[key] = sm
			}
			existing, _ := sm.Load(r.Start)
			sm.Store(r.Start, append(existing, r))
		}
	}

	for key, ranges := range fullByKey {
		fullByKey[key] = coalesce(ranges)
	}

	lk := &Lookup{byKey: make(map[string]*streamLookup)}
	keys := make(map[string]struct{})
	for k := range headerByKey {
		keys[k] = struct{}{}
	}
	for k := range fullByKey {
		keys[k] = struct{}{}
	}
	for k := range keys {
		_, big := staging[k]
		lk.byKey[k] = &streamLookup{
			headerOnly:   newRangeList(headerByKey[k], big || len(headerByKey[k]) > largeRuleSetThreshold),
			fullPreserve: newRangeList(fullByKey[k], big || len(fullByKey[k]) > largeRuleSetThreshold),
		}
	}
	return lk
}

// For implements the Masker's lookup[stream_id][direction] access.
func (lk *Lookup) For(streamID string, dir keeprule.Direction) (headerOnly, fullPreserve rangeList, ok bool) {
	sl, found := lk.byKey[lookupKey(streamID, dir)]
	if !found {
		return rangeList{}, rangeList{}, false
	}
	return sl.headerOnly, sl.fullPreserve, true
}

// coalesce merges overlapping or adjacent ranges in a sorted copy of
// ranges, implementing standard interval coalescing for full_preserve
// ranges per spec.md §4.3.
func coalesce(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	out := make([]Range, 0, len(sorted))
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Start <= cur.End { // overlap or touch
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		out = append(out, cur)
		cur = r
	}
	out = append(out, cur)
	return out
}
