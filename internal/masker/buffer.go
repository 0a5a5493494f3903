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
	"errors"
	"io"

	"github.com/google/gopacket"
)

// packet pairs one read-ahead frame with its capture metadata.
type packet struct {
	data []byte
	ci   gopacket.CaptureInfo
	err  error
}

// readAheadBuffer decouples the Source.ReadPacketData call (which may block
// on disk I/O) from the decode-and-mask loop, using a bounded channel so a
// slow consumer applies backpressure to the reader instead of the reader
// buffering the whole file in memory — spec.md §5's bound on per-file
// resident memory. onHighWater, if set, fires each time fill finds the
// channel full before queuing a packet, letting a caller log or shed load
// under sustained memory pressure.
type readAheadBuffer struct {
	ch          chan packet
	onHighWater func()
}

func newReadAheadBuffer(capacity int, onHighWater func()) *readAheadBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &readAheadBuffer{ch: make(chan packet, capacity), onHighWater: onHighWater}
}

// fill drains src into the buffer until it's exhausted or returns an error,
// then closes the channel. Intended to run in its own goroutine.
func (b *readAheadBuffer) fill(src interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}) {
	defer close(b.ch)
	for {
		data, ci, err := src.ReadPacketData()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.ch <- packet{err: err}
			}
			return
		}
		if b.onHighWater != nil && len(b.ch) == cap(b.ch) {
			b.onHighWater()
		}
		b.ch <- packet{data: data, ci: ci}
	}
}

// next blocks for the next buffered packet. The second return is false once
// the buffer is drained and the underlying source is exhausted.
func (b *readAheadBuffer) next() (packet, bool) {
	p, ok := <-b.ch
	return p, ok
}
