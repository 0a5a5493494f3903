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
	"strconv"
	"strings"
)

// Endpoint is one side of a TCP five-tuple.
type Endpoint struct {
	Addr string
	Port uint16
}

func (e Endpoint) less(o Endpoint) bool {
	if e.Addr != o.Addr {
		return e.Addr < o.Addr
	}
	return e.Port < o.Port
}

func (e Endpoint) key() string {
	return e.Addr + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// CanonicalFiveTuple normalizes an (src, dst) endpoint pair by ordering the
// endpoints (address string compared lexically, then port) so that both
// directions of one TCP connection map to the same key. This is the single canonical-id function the Marker and the Masker
// both call, resolving spec.md §9 Open Question 2 ("Stream-id agreement
// between Marker and Masker"): rather than letting each module assign ids
// independently and rely on first-sighting order coinciding, both build
// their per-file stream-id tables from first sighting of this same key.
func CanonicalFiveTuple(src, dst Endpoint) string {
	a, b := src, dst
	if b.less(a) {
		a, b = b, a
	}
	var sb strings.Builder
	sb.WriteString(a.key())
	sb.WriteByte('-')
	sb.WriteString(b.key())
	return sb.String()
}

// StreamIDAllocator assigns stable, deterministic stream ids to canonical
// five-tuples in first-sighting order, for exactly one file's lifetime.
// Both internal/marker and internal/masker embed one of these rather than
// maintaining ad hoc counters, so the two modules can never drift apart on
// numbering even though neither calls into the other.
type StreamIDAllocator struct {
	next    uint64
	byTuple map[string]string
	fwdSrc  map[string]Endpoint
}

// NewStreamIDAllocator returns an allocator with an empty table, ready for
// one file's worth of packets.
func NewStreamIDAllocator() *StreamIDAllocator {
	return &StreamIDAllocator{
		byTuple: make(map[string]string),
		fwdSrc:  make(map[string]Endpoint),
	}
}

// Observe records a packet's (src, dst) endpoints and returns the stream id
// and direction for it, assigning a new id on first sighting of the
// canonical tuple and recording that packet's source as the forward
// endpoint, per spec.md §4.2 "Direction assignment" / §4.3 step 3.
func (a *StreamIDAllocator) Observe(src, dst Endpoint) (streamID string, dir Direction) {
	tuple := CanonicalFiveTuple(src, dst)
	id, ok := a.byTuple[tuple]
	if !ok {
		id = strconv.FormatUint(a.next, 10)
		a.next++
		a.byTuple[tuple] = id
		a.fwdSrc[id] = src
		return id, Forward
	}
	if a.fwdSrc[id] == src {
		return id, Forward
	}
	return id, Reverse
}
