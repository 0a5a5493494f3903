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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
)

// MinTsharkVersion is the minimum dissector version spec.md §4.2 requires
// ("tshark ≥ 4.2.0").
var MinTsharkVersion = [3]int{4, 2, 0}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)

// Runner is the Marker's external dissector contract (spec.md §6). It is an
// interface, not a concrete subprocess wrapper, so tests can substitute a
// fixture-backed implementation instead of shelling out to a real tshark
// binary.
type Runner interface {
	// Version probes the dissector binary and returns its semantic version.
	Version(ctx context.Context) (major, minor, patch int, err error)
	// Reassembled runs the pass with TCP reassembly enabled.
	Reassembled(ctx context.Context, pcapPath string, decodeAs []string) (io.ReadCloser, error)
	// Segments runs the pass with TCP reassembly disabled, exposing
	// tls.segment.data on cross-segment fragments.
	Segments(ctx context.Context, pcapPath string, decodeAs []string) (io.ReadCloser, error)
}

// TsharkRunner invokes a real tshark binary per the argv contract in
// spec.md §6.
type TsharkRunner struct {
	Path string
}

// NewTsharkRunner returns a Runner for the dissector at path (or "tshark" on
// PATH if path is empty).
func NewTsharkRunner(path string) *TsharkRunner {
	if path == "" {
		path = "tshark"
	}
	return &TsharkRunner{Path: path}
}

var reassembledFields = []string{
	"frame.number", "frame.protocols", "frame.time_relative",
	"ip.src", "ip.dst", "ipv6.src", "ipv6.dst",
	"tcp.srcport", "tcp.dstport", "tcp.stream", "tcp.seq", "tcp.seq_raw",
	"tcp.len", "tcp.payload",
	"tls.record.content_type", "tls.record.opaque_type", "tls.record.length",
	"tls.record.version", "tls.app_data",
}

var segmentFields = append(append([]string{}, reassembledFields...), "tls.segment.data")

func buildArgs(exe, pcapPath string, fields []string, decodeAs []string, desegment bool) []string {
	args := []string{exe, "-2", "-r", pcapPath, "-T", "json"}
	for _, f := range fields {
		args = append(args, "-e", f)
	}
	args = append(args, "-E", "occurrence=a")
	desegVal := "TRUE"
	if !desegment {
		desegVal = "FALSE"
	}
	args = append(args, "-o", fmt.Sprintf("tcp.desegment_tcp_streams:%s", desegVal))
	for _, spec := range decodeAs {
		args = append(args, "-d", spec)
	}
	return args
}

func (t *TsharkRunner) run(ctx context.Context, args []string) (io.ReadCloser, error) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	runErr := retry.Do(
		func() error {
			// An exec.Cmd cannot be reused after Run, so every attempt
			// builds its own.
			// #nosec G204 -- args are built from a fixed field list plus
			// operator-supplied decode-as hints; pcapPath comes from the
			// stage's own input argument, not untrusted network input.
			cmd := exec.CommandContext(ctx, args[0], args[1:]...)
			stdout.Reset()
			stderr.Reset()
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			return cmd.Run()
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransientSpawnError),
	)
	if runErr != nil {
		return nil, fmt.Errorf("marker: dissector invocation failed: %w (stderr: %s)", runErr, stderr.String())
	}
	return io.NopCloser(&stdout), nil
}

// isTransientSpawnError retries only the spawn failures that a second
// attempt can plausibly clear: the binary momentarily unavailable under a
// writer's create-then-rename, or a target file busy/locked by another
// process. A permanently missing binary (exec.ErrNotFound, meaning LookPath
// never found it on $PATH) fails identically on every attempt, so it is
// excluded to avoid spending the retry budget on a certain failure.
func isTransientSpawnError(err error) bool {
	var execErr *exec.Error
	if !errors.As(err, &execErr) {
		return false
	}
	if errors.Is(execErr.Err, exec.ErrNotFound) {
		return false
	}
	var errno syscall.Errno
	if errors.As(execErr.Err, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.ETXTBSY, syscall.EBUSY:
			return true
		}
	}
	return false
}

func (t *TsharkRunner) Reassembled(ctx context.Context, pcapPath string, decodeAs []string) (io.ReadCloser, error) {
	return t.run(ctx, buildArgs(t.Path, pcapPath, reassembledFields, decodeAs, true))
}

func (t *TsharkRunner) Segments(ctx context.Context, pcapPath string, decodeAs []string) (io.ReadCloser, error) {
	return t.run(ctx, buildArgs(t.Path, pcapPath, segmentFields, decodeAs, false))
}

func (t *TsharkRunner) Version(ctx context.Context) (int, int, int, error) {
	cmd := exec.CommandContext(ctx, t.Path, "-v")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return 0, 0, 0, fmt.Errorf("marker: cannot execute dissector %q: %w", t.Path, err)
	}
	return parseVersion(out.String())
}

func parseVersion(output string) (int, int, int, error) {
	m := versionPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, 0, 0, errors.New("marker: cannot parse dissector version")
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return major, minor, patch, nil
}

func versionAtLeast(major, minor, patch int, min [3]int) bool {
	got := [3]int{major, minor, patch}
	for i := range got {
		if got[i] != min[i] {
			return got[i] > min[i]
		}
	}
	return true
}
