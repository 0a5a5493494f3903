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

// Package transformer holds the pcap I/O plumbing and the tunnel-layer
// unwrapping helper shared by the masking pipeline. It is adapted from the
// teacher's pkg/pcap file-handling wrapper and its layered-translator
// dispatch pattern in internal/transformer/translator_worker.go, repurposed
// from packet-to-JSON logging into byte-for-byte pcap rewriting.
package transformer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const (
	pcapMagicLE      uint32 = 0xa1b2c3d4
	pcapMagicBE      uint32 = 0xd4c3b2a1
	pcapNsMagicLE    uint32 = 0xa1b23c4d
	pcapNsMagicBE    uint32 = 0x4d3cb2a1
	pcapngBlockMagic uint32 = 0x0a0d0d0a
)

// Format identifies the on-disk capture format, so the output can use the
// same container (classic pcap or pcapng) as the input. CreateSink also
// takes the link type and snapshot length; it does not take the input's
// byte order or timestamp resolution, so classic pcap output is always
// written by pcapgo.NewWriter (little-endian, microsecond timestamps) and
// pcapng output uses pcapgo's default writer options.
type Format uint8

const (
	FormatPcap Format = iota
	FormatPcapNG
)

// Source streams packets out of a capture file, abstracting over classic
// pcap and pcapng.
type Source interface {
	ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error)
	LinkType() layers.LinkType
}

// Sink writes packets into a capture file, mirroring the Source's format.
type Sink interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
	Flush() error
}

// Snaplenner is implemented by *pcapgo.Reader (classic pcap carries an
// explicit snapshot length in its file header); pcapng readers have no
// single-value equivalent, so callers fall back to a default.
type Snaplenner interface {
	Snaplen() uint32
}

// DefaultSnapLen is used when the input format doesn't expose one.
const DefaultSnapLen uint32 = 262144

// SourceSnapLen returns src's snapshot length if it exposes one, else
// DefaultSnapLen.
func SourceSnapLen(src Source) uint32 {
	if s, ok := src.(Snaplenner); ok {
		return s.Snaplen()
	}
	return DefaultSnapLen
}

// OpenSource detects the capture format from its magic number and returns a
// Source plus the format so a Sink can be built to match.
func OpenSource(path string) (Source, Format, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("transformer: cannot open %s: %w", path, err)
	}

	br := bufio.NewReader(f)
	magic, err := peekMagic(br)
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("transformer: cannot read magic number from %s: %w", path, err)
	}

	switch magic {
	case pcapMagicLE, pcapMagicBE, pcapNsMagicLE, pcapNsMagicBE:
		r, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, 0, nil, fmt.Errorf("transformer: pcap reader: %w", err)
		}
		return r, FormatPcap, f, nil
	case pcapngBlockMagic:
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, 0, nil, fmt.Errorf("transformer: pcapng reader: %w", err)
		}
		return r, FormatPcapNG, f, nil
	default:
		f.Close()
		return nil, 0, nil, fmt.Errorf("transformer: unrecognized capture format in %s", path)
	}
}

func peekMagic(br *bufio.Reader) (uint32, error) {
	head, err := br.Peek(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(head), nil
}

// CreateSink opens output for writing, mirroring format and link type.
func CreateSink(path string, format Format, linkType layers.LinkType, snapLen uint32) (Sink, io.Closer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("transformer: cannot create %s: %w", path, err)
	}

	switch format {
	case FormatPcap:
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(snapLen, linkType); err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("transformer: pcap writer header: %w", err)
		}
		return pcapWriterSink{w}, f, nil
	case FormatPcapNG:
		w, err := pcapgo.NewNgWriter(f, linkType)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("transformer: pcapng writer: %w", err)
		}
		return ngWriterSink{w}, f, nil
	default:
		f.Close()
		return nil, nil, fmt.Errorf("transformer: unknown output format %d", format)
	}
}

type pcapWriterSink struct{ w *pcapgo.Writer }

func (s pcapWriterSink) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	return s.w.WritePacket(ci, data)
}
func (s pcapWriterSink) Flush() error { return nil }

type ngWriterSink struct{ w *pcapgo.NgWriter }

func (s ngWriterSink) WritePacket(ci gopacket.CaptureInfo, data []byte) error {
	return s.w.WritePacket(ci, data)
}
func (s ngWriterSink) Flush() error { return s.w.Flush() }
