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

// Package stage is the façade spec.md §4.4 describes: it normalizes
// configuration, sequences internal/marker then internal/masker, and
// translates their results into the statistics record spec.md §6 defines.
package stage

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of error categories from spec.md §7.
type ErrorKind int

const (
	ErrConfig ErrorKind = iota
	ErrDissector
	ErrDecode
	ErrIO
	ErrMemoryPressure
	ErrCancellation
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config_error"
	case ErrDissector:
		return "dissector_error"
	case ErrDecode:
		return "decode_error"
	case ErrIO:
		return "io_error"
	case ErrMemoryPressure:
		return "memory_pressure"
	case ErrCancellation:
		return "cancellation_requested"
	default:
		return "unknown_error"
	}
}

// Error wraps one of the kinds above with a message and an optional cause,
// and is errors.Unwrap-compatible so callers can still test the underlying
// error with errors.Is/errors.As.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("stage: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ErrUnsupported is returned by Validate when a configuration names a
// feature this implementation has reserved a field for but does not yet
// implement — see Config.SequenceWrapPolicy.
var ErrUnsupported = errors.New("stage: unsupported configuration value")
