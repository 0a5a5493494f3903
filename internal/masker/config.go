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

// Package masker rewrites TCP payload bytes in a capture file to everything
// a keeprule.Set says must be masked, leaving every other byte — frame
// metadata, link/network/TCP headers, and the ranges the Marker flagged for
// preservation — byte-for-byte untouched (spec.md §4.3).
package masker

import (
	"go.uber.org/zap"
)

// Config controls one Masker run.
type Config struct {
	// MaskByteValue fills masked payload bytes. Zero per spec.md §4.3's
	// default masking behavior.
	MaskByteValue byte

	// VerifyChecksums, when true, recomputes and validates the original
	// TCP checksum before masking (catching a corrupt or truncated
	// capture early) in addition to the post-mask recomputation every
	// modified packet gets regardless of this flag.
	VerifyChecksums bool

	// BufferCapacity bounds the read-ahead packet buffer (see buffer.go).
	// Zero selects DefaultBufferCapacity.
	BufferCapacity int

	Logger *zap.Logger
}

// DefaultBufferCapacity is used when Config.BufferCapacity is zero.
const DefaultBufferCapacity = 256

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c Config) bufferCapacity() int {
	if c.BufferCapacity <= 0 {
		return DefaultBufferCapacity
	}
	return c.BufferCapacity
}
