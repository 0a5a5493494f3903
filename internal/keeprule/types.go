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

// Package keeprule holds the data model shared by the Marker and the
// Masker: the set of byte ranges that must survive payload masking.
package keeprule

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

type (
	// Direction is forward or reverse relative to a flow's first packet.
	Direction uint8

	// Strategy tags how a rule's range was derived, and therefore how it
	// interacts with other overlapping rules during masking.
	Strategy uint8

	// RuleType names the provenance of a KeepRule.
	RuleType string

	// RuleMetadata carries optional annotations used to resolve overlaps.
	RuleMetadata struct {
		ContentType   uint8
		SourceFrame   uint32
		Strategy      Strategy
		RuleTypes     mapset.Set[string]
	}

	// KeepRule is a half-open absolute-sequence interval, [SeqStart, SeqEnd),
	// on one direction of one TCP stream that must survive masking.
	KeepRule struct {
		StreamID  string
		Direction Direction
		SeqStart  uint32
		SeqEnd    uint32
		RuleType  RuleType
		Metadata  RuleMetadata
	}

	// FlowInfo is per-stream summary metadata.
	FlowInfo struct {
		StreamID     string
		SrcAddr      string
		DstAddr      string
		SrcPort      uint16
		DstPort      uint16
		Proto        string
		ForwardSrc   string
		ForwardPort  uint16
		PacketCount  uint64
		ByteCount    uint64
	}
)

const (
	Forward Direction = iota
	Reverse
)

const (
	HeaderOnly Strategy = iota
	FullPreserve
)

const (
	RuleTLSHandshake            RuleType = "tls_handshake"
	RuleTLSApplicationData      RuleType = "tls_application_data"
	RuleTLSApplicationDataHdr   RuleType = "tls_application_data_header"
	RuleTLSAlert                RuleType = "tls_alert"
	RuleTLSChangeCipherSpec     RuleType = "tls_change_cipher_spec"
	RuleTLSHeartbeat            RuleType = "tls_heartbeat"
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// ParseDirection validates a direction string, per spec.md's
// direction ∈ {forward, reverse} constraint.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward":
		return Forward, nil
	case "reverse":
		return Reverse, nil
	default:
		return 0, fmt.Errorf("keeprule: invalid direction %q", s)
	}
}

func (s Strategy) String() string {
	if s == FullPreserve {
		return "full_preserve"
	}
	return "header_only"
}

// Len reports the number of bytes in the rule's range.
func (r KeepRule) Len() uint32 {
	if r.SeqEnd <= r.SeqStart {
		return 0
	}
	return r.SeqEnd - r.SeqStart
}

// Validate checks the invariants from spec.md §3 and §4.1: non-empty
// stream id, seq_start < seq_end, and a recognized direction. Direction
// is a typed enum here so only its zero-value range is checked.
func (r KeepRule) Validate() error {
	if r.StreamID == "" {
		return fmt.Errorf("keeprule: empty stream_id")
	}
	if r.SeqStart >= r.SeqEnd {
		return fmt.Errorf("keeprule: seq_start (%d) >= seq_end (%d)", r.SeqStart, r.SeqEnd)
	}
	if r.Direction != Forward && r.Direction != Reverse {
		return fmt.Errorf("keeprule: invalid direction %d", r.Direction)
	}
	return nil
}
