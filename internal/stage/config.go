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

package stage

import (
	"fmt"

	sf "github.com/wissance/stringFormatter"
	"go.uber.org/multierr"
)

// Mode selects the stage's processing path, per spec.md §4.4.
type Mode string

const (
	ModeEnhanced Mode = "enhanced"
	ModeBasic    Mode = "basic"
	ModeDebug    Mode = "debug"
)

// PreserveConfig is the marker_config.preserve block from spec.md §6.
type PreserveConfig struct {
	Handshake        bool `json:"handshake"`
	ApplicationData  bool `json:"application_data"`
	Alert            bool `json:"alert"`
	ChangeCipherSpec bool `json:"change_cipher_spec"`
	Heartbeat        bool `json:"heartbeat"`
}

// MarkerConfig is the marker_config block from spec.md §6, plus
// DissectorTimeoutMS bounding the external dissector's wall clock per
// spec.md §5 ("the dissector subprocess is given a bounded wall-clock
// timeout"). Zero means unbounded.
type MarkerConfig struct {
	Preserve           PreserveConfig `json:"preserve"`
	TsharkPath         string         `json:"tshark_path,omitempty"`
	DecodeAs           []string       `json:"decode_as,omitempty"`
	DissectorTimeoutMS int            `json:"dissector_timeout_ms,omitempty"`
}

// MaskerConfig is the masker_config block from spec.md §6.
type MaskerConfig struct {
	ChunkSize       int  `json:"chunk_size"`
	VerifyChecksums bool `json:"verify_checksums"`
	MaskByteValue   int  `json:"mask_byte_value"`
}

// Config is the canonical `{protocol, marker_config, masker_config, mode}`
// shape spec.md §6 defines, plus the reserved SequenceWrapPolicy field from
// SPEC_FULL.md §9's resolution of Open Question 1.
type Config struct {
	Protocol           string       `json:"protocol"`
	Mode               Mode         `json:"mode"`
	Marker             MarkerConfig `json:"marker_config"`
	Masker             MaskerConfig `json:"masker_config"`
	SequenceWrapPolicy string       `json:"sequence_wrap_policy,omitempty"`
}

// DefaultDissectorTimeoutMS bounds the dissector subprocess's wall clock
// when a caller leaves marker_config.dissector_timeout_ms unset, per
// spec.md §5's requirement that the subprocess get *some* bound rather
// than run unbounded.
const DefaultDissectorTimeoutMS = 120_000

// DefaultConfig returns the canonical defaults named in spec.md §6:
// mode=enhanced, verify_checksums=true, mask_byte_value=0x00.
func DefaultConfig() Config {
	return Config{
		Protocol: "tls",
		Mode:     ModeEnhanced,
		Marker: MarkerConfig{
			DissectorTimeoutMS: DefaultDissectorTimeoutMS,
		},
		Masker: MaskerConfig{
			VerifyChecksums: true,
			MaskByteValue:   0,
		},
		SequenceWrapPolicy: "ignore",
	}
}

// Validate rejects the configuration errors spec.md §7's ConfigError kind
// covers: unsupported protocol, invalid mode, an out-of-range mask byte
// value, and an unimplemented sequence-wrap policy (SPEC_FULL.md §9's
// "two-rules returns ErrUnsupported today rather than silently ignoring
// wrap").
func Validate(cfg Config) error {
	var errs error

	if cfg.Protocol != "tls" {
		errs = multierr.Append(errs, fmt.Errorf("stage: unsupported protocol %q", cfg.Protocol))
	}
	switch cfg.Mode {
	case ModeEnhanced, ModeBasic, ModeDebug:
	default:
		errs = multierr.Append(errs, fmt.Errorf("stage: unknown mode %q", cfg.Mode))
	}
	if cfg.Masker.MaskByteValue < 0 || cfg.Masker.MaskByteValue > 255 {
		errs = multierr.Append(errs, fmt.Errorf("stage: mask_byte_value %d out of range [0,255]", cfg.Masker.MaskByteValue))
	}
	switch cfg.SequenceWrapPolicy {
	case "", "ignore":
	case "two-rules":
		errs = multierr.Append(errs, fmt.Errorf("%w: sequence_wrap_policy \"two-rules\" is reserved, not implemented", ErrUnsupported))
	default:
		errs = multierr.Append(errs, fmt.Errorf("stage: unknown sequence_wrap_policy %q", cfg.SequenceWrapPolicy))
	}

	if errs != nil {
		return newError(ErrConfig, sf.Format("{0} configuration error(s)", len(multierr.Errors(errs))), errs)
	}
	return nil
}

// legacyPreserveKeys maps spec.md's original flat (pre-nesting) preserve
// keys, observed in original_source/, onto PreserveConfig fields.
var legacyPreserveKeys = map[string]func(*PreserveConfig, bool){
	"preserve_handshake":          func(p *PreserveConfig, v bool) { p.Handshake = v },
	"preserve_application_data":   func(p *PreserveConfig, v bool) { p.ApplicationData = v },
	"preserve_alert":              func(p *PreserveConfig, v bool) { p.Alert = v },
	"preserve_change_cipher_spec": func(p *PreserveConfig, v bool) { p.ChangeCipherSpec = v },
	"preserve_heartbeat":          func(p *PreserveConfig, v bool) { p.Heartbeat = v },
}

// NormalizeLegacy adapts the flat legacy configuration shapes named in
// SPEC_FULL.md §6 (flat preserve_* keys, and a pre-mode enabled/basic_mode
// boolean pair) into the canonical Config, collecting one warning per
// translated or unrecognized key rather than failing (spec.md §4.4:
// "Unknown keys are warnings, not errors").
func NormalizeLegacy(raw map[string]any) (Config, []string, error) {
	cfg := DefaultConfig()
	var warnings []string

	if v, ok := raw["basic_mode"].(bool); ok {
		warnings = append(warnings, "legacy key \"basic_mode\" translated to mode")
		if v {
			cfg.Mode = ModeBasic
		}
	}
	if v, ok := raw["enabled"].(bool); ok && !v {
		warnings = append(warnings, "legacy key \"enabled=false\" translated to mode=basic")
		cfg.Mode = ModeBasic
	}
	if v, ok := raw["protocol"].(string); ok {
		cfg.Protocol = v
	}
	if v, ok := raw["mode"].(string); ok {
		cfg.Mode = Mode(v)
	}
	if v, ok := raw["tshark_path"].(string); ok {
		warnings = append(warnings, "legacy key \"tshark_path\" translated to marker_config.tshark_path")
		cfg.Marker.TsharkPath = v
	}

	for key, setter := range legacyPreserveKeys {
		v, ok := raw[key].(bool)
		if !ok {
			continue
		}
		warnings = append(warnings, sf.Format("legacy key {0} translated to marker_config.preserve", key))
		setter(&cfg.Marker.Preserve, v)
	}

	known := map[string]struct{}{
		"basic_mode": {}, "enabled": {}, "protocol": {}, "mode": {}, "tshark_path": {},
		"marker_config": {}, "masker_config": {}, "sequence_wrap_policy": {},
	}
	for key := range legacyPreserveKeys {
		known[key] = struct{}{}
	}
	for key := range raw {
		if _, ok := known[key]; !ok {
			warnings = append(warnings, sf.Format("unknown configuration key {0}", key))
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, warnings, err
	}
	return cfg, warnings, nil
}
