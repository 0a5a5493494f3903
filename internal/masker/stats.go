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

import "time"

// Stats summarizes one MaskFile run, feeding the statistics record the
// stage façade reports per spec.md §6.
type Stats struct {
	PacketsTotal     uint64
	PacketsTCP       uint64
	PacketsModified  uint64
	BytesMasked      uint64
	BytesPreserved   uint64
	StreamsObserved  int
	// ChecksumMismatches counts original TCP checksums that failed
	// verification before masking (Config.VerifyChecksums), a sign of a
	// corrupt or truncated capture. Non-fatal: spec.md §7 treats this as a
	// per-packet DecodeError, logged and counted, not a reason to abort.
	ChecksumMismatches uint64
	Elapsed            time.Duration
}
