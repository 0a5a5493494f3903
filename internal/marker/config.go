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

// Package marker analyzes TLS-over-TCP streams in a pcap/pcapng file and
// produces a keeprule.Set describing every byte range that must survive
// masking.
package marker

import (
	"errors"
	"time"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PreserveConfig is the marker_config.preserve block from spec.md §6: one
// bool per TLS content type the Marker cares about.
type PreserveConfig struct {
	Handshake        bool
	ApplicationData  bool
	Alert            bool
	ChangeCipherSpec bool
	Heartbeat        bool
}

// Config is the canonical marker_config shape.
type Config struct {
	Preserve   PreserveConfig
	TsharkPath string
	DecodeAs   []string
	// Timeout bounds the dissector subprocess wall clock, per spec.md §5
	// "the dissector subprocess is given a bounded wall-clock timeout".
	Timeout time.Duration
	Logger  *zap.Logger
}

var preserveKeys = map[string]struct{}{
	"handshake":          {},
	"application_data":   {},
	"alert":              {},
	"change_cipher_spec": {},
	"heartbeat":          {},
}

// ParsePreserveConfig validates a raw marker_config.preserve map against
// spec.md §4.2: unknown TLS-type keys and non-boolean values are collected
// into a combined error and returned alongside a zero-value PreserveConfig,
// so the stage façade can abort initialization before any file is touched
// (spec.md §7 "Configuration errors terminate the run before any file is
// touched").
func ParsePreserveConfig(raw map[string]any) (PreserveConfig, error) {
	var cfg PreserveConfig
	var err error

	for key, val := range raw {
		if _, ok := preserveKeys[key]; !ok {
			err = multierr.Append(err, errors.New(sf.Format("marker: unknown preserve key {0}", key)))
			continue
		}
		b, ok := val.(bool)
		if !ok {
			err = multierr.Append(err, errors.New(sf.Format("marker: preserve.{0} must be boolean, got {1}", key, val)))
			continue
		}
		switch key {
		case "handshake":
			cfg.Handshake = b
		case "application_data":
			cfg.ApplicationData = b
		case "alert":
			cfg.Alert = b
		case "change_cipher_spec":
			cfg.ChangeCipherSpec = b
		case "heartbeat":
			cfg.Heartbeat = b
		}
	}

	if err != nil {
		return PreserveConfig{}, err
	}
	return cfg, nil
}

// shouldPreserve reports whether contentType should generate a keep rule at
// all (spec.md §4.2: "false means 'emit no rule'" for every type except
// ApplicationData, which always yields a rule: the whole record when its
// flag is true, only the 5-byte header when it is false).
func (c PreserveConfig) shouldPreserve(contentType uint8) bool {
	switch contentType {
	case contentTypeChangeCipherSpec:
		return c.ChangeCipherSpec
	case contentTypeAlert:
		return c.Alert
	case contentTypeHandshake:
		return c.Handshake
	case contentTypeApplicationData:
		// ApplicationData always yields a rule: either the full record
		// (flag true) or just its 5-byte header (flag false).
		return true
	case contentTypeHeartbeat:
		return c.Heartbeat
	default:
		return false
	}
}
