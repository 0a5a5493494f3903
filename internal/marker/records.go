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
	"encoding/json"
	"io"
	"sort"
	"strconv"

	"github.com/Jeffail/gabs/v2"
	"github.com/alphadose/haxmap"
	"github.com/rickypin/PktMask-sub005/internal/keeprule"
)

const (
	contentTypeChangeCipherSpec = 20
	contentTypeAlert            = 21
	contentTypeHandshake        = 22
	contentTypeApplicationData  = 23
	contentTypeHeartbeat        = 24
)

var contentTypeNames = map[uint8]keeprule.RuleType{
	contentTypeChangeCipherSpec: keeprule.RuleTLSChangeCipherSpec,
	contentTypeAlert:            keeprule.RuleTLSAlert,
	contentTypeHandshake:        keeprule.RuleTLSHandshake,
	contentTypeApplicationData:  keeprule.RuleTLSApplicationData,
	contentTypeHeartbeat:        keeprule.RuleTLSHeartbeat,
}

// frameRecord is the Marker's merged, per-frame view combining the
// reassembled and segment dissector passes (spec.md §4.2).
type frameRecord struct {
	FrameNumber    uint32
	Src, Dst       keeprule.Endpoint
	Seq            uint32
	TCPLen         uint32
	ContentTypes   []uint8
	Lengths        []uint32
	HasSegmentData bool
}

func fieldValues(c *gabs.Container, key string) []string {
	field := c.Search(key)
	if field == nil {
		return nil
	}
	v := field.Data()
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func fieldString(c *gabs.Container, path string) string {
	vs := fieldValues(c, path)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func fieldUint(c *gabs.Container, path string) (uint64, bool) {
	s := fieldString(c, path)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// decodeDissectorJSON streams tshark's top-level JSON array, handing each
// element to fn as it arrives rather than unmarshalling the whole array at
// once. If the top-level token is not an array-opening bracket (a malformed
// or unexpectedly wrapped response), that token is dropped and
// decodeDissectorJSONBuffered handles whatever follows it.
func decodeDissectorJSON(r io.Reader, fn func(*gabs.Container) error) error {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || delim != '[' {
		return decodeDissectorJSONBuffered(dec, tok, fn)
	}

	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		c, err := gabs.ParseJSON(raw)
		if err != nil {
			continue // malformed element: skip, per-record, not fatal
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	_, err = dec.Token() // consume closing ']'
	return err
}

func decodeDissectorJSONBuffered(dec *json.Decoder, first json.Token, fn func(*gabs.Container) error) error {
	// first was already consumed as a non-'[' token and is not passed to
	// fn. Every value that still decodes after it is collected, stopping at
	// the first decode error, and each is handed to fn. A response that is
	// a single JSON object yields no frames: its opening brace was first.
	var rest []json.RawMessage
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		rest = append(rest, raw)
	}
	if len(rest) == 0 {
		return nil
	}
	for _, raw := range rest {
		c, err := gabs.ParseJSON(raw)
		if err != nil {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

func parseFrame(c *gabs.Container, includeSegmentData bool) (frameRecord, bool) {
	layers := c.Search("_source", "layers")
	if layers == nil {
		return frameRecord{}, false
	}

	num, ok := fieldUint(layers, "frame.number")
	if !ok {
		return frameRecord{}, false
	}

	rec := frameRecord{FrameNumber: uint32(num)}

	srcAddr := fieldString(layers, "ip.src")
	dstAddr := fieldString(layers, "ip.dst")
	if srcAddr == "" {
		srcAddr = fieldString(layers, "ipv6.src")
	}
	if dstAddr == "" {
		dstAddr = fieldString(layers, "ipv6.dst")
	}
	srcPort, _ := fieldUint(layers, "tcp.srcport")
	dstPort, _ := fieldUint(layers, "tcp.dstport")
	rec.Src = keeprule.Endpoint{Addr: srcAddr, Port: uint16(srcPort)}
	rec.Dst = keeprule.Endpoint{Addr: dstAddr, Port: uint16(dstPort)}

	seq, hasSeq := fieldUint(layers, "tcp.seq_raw")
	if !hasSeq {
		return frameRecord{}, false
	}
	rec.Seq = uint32(seq)

	tcpLen, _ := fieldUint(layers, "tcp.len")
	rec.TCPLen = uint32(tcpLen)

	for _, s := range fieldValues(layers, "tls.record.content_type") {
		n, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			continue
		}
		rec.ContentTypes = append(rec.ContentTypes, uint8(n))
	}
	// TLS 1.3 records report their wire content type (23, ApplicationData)
	// via tls.record.opaque_type once the real type is hidden behind
	// encryption; treat it the same as content_type for rule emission.
	if len(rec.ContentTypes) == 0 {
		for _, s := range fieldValues(layers, "tls.record.opaque_type") {
			n, err := strconv.ParseUint(s, 10, 8)
			if err != nil {
				continue
			}
			rec.ContentTypes = append(rec.ContentTypes, uint8(n))
		}
	}
	for _, s := range fieldValues(layers, "tls.record.length") {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			continue
		}
		rec.Lengths = append(rec.Lengths, uint32(n))
	}

	if includeSegmentData {
		if fieldString(layers, "tls.segment.data") != "" {
			rec.HasSegmentData = true
		}
	}

	return rec, true
}

// mergeViews combines the reassembled and segment dissector passes keyed by
// frame number, preferring the reassembled record whenever it carries TLS
// record boundaries and otherwise keeping the segment-only fragment, per
// spec.md §4.2.
func mergeViews(reassembled, segments *haxmap.Map[uint32, frameRecord]) []frameRecord {
	merged := make(map[uint32]frameRecord, int(reassembled.Len()+segments.Len()))
	reassembled.ForEach(func(n uint32, r frameRecord) bool {
		merged[n] = r
		return true
	})
	segments.ForEach(func(n uint32, s frameRecord) bool {
		r, ok := merged[n]
		if !ok {
			merged[n] = s
			return true
		}
		if len(r.ContentTypes) == 0 && s.HasSegmentData {
			r.HasSegmentData = true
			merged[n] = r
		}
		return true
	})

	out := make([]frameRecord, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameNumber < out[j].FrameNumber })
	return out
}
