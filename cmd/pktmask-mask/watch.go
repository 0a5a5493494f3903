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

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rickypin/PktMask-sub005/internal/stage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentWatchFiles bounds the watch driver's parallelism. Each
// in-flight file gets its own freshly constructed *stage.Stage (built from
// the same validated stageCfg) rather than sharing one Stage instance
// across goroutines, per spec.md §5: "each PayloadMasker / Marker instance
// is owned by exactly one worker and MUST NOT be shared."
const maxConcurrentWatchFiles = 4

type watchConfig struct {
	dir    string
	outDir string
}

// runWatch implements the domain-stack addition from SPEC_FULL.md §6: it
// watches dir for complete, closed capture files and masks each one,
// never treating the directory itself as a live/streaming capture source
// (the Non-goal spec.md §1 names applies to packet-level streaming, not
// file discovery). stageCfg has already passed stage.Validate (the caller
// built it via stage.New); runWatch re-derives a Stage per file from the
// same config instead of threading one shared instance through.
func runWatch(ctx context.Context, stageCfg stage.Config, log *zap.Logger, cfg watchConfig) error {
	outDir := cfg.outDir
	if outDir == "" {
		outDir = filepath.Join(cfg.dir, "masked")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(cfg.dir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxConcurrentWatchFiles)

	log.Info("watch mode started", zap.String("dir", cfg.dir), zap.String("out", outDir))

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case ev, ok := <-watcher.Events:
			if !ok {
				return g.Wait()
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isCaptureFile(ev.Name) {
				continue
			}
			path := ev.Name
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return g.Wait()
			}
			g.Go(func() error {
				defer func() { <-sem }()
				// stage.New only validates stageCfg (already validated once
				// by the caller) and allocates a Stage struct; building one
				// per file is cheap and keeps each in-flight file's Stage
				// unshared across goroutines.
				st, err := stage.New(stageCfg, log)
				if err != nil {
					log.Warn("watched file failed", zap.String("path", path), zap.Error(err))
					return nil
				}
				if err := processWatchedFile(gctx, st, log, path, outDir); err != nil {
					log.Warn("watched file failed", zap.String("path", path), zap.Error(err))
				}
				return nil // one bad file must not stop the watch loop
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return g.Wait()
			}
			log.Warn("watcher error", zap.Error(werr))
		}
	}
}

func isCaptureFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pcap", ".pcapng":
		return true
	default:
		return false
	}
}

// processWatchedFile takes an advisory lock on path (guarding against a
// writer still producing the capture), retries the initial open a bounded
// number of times for network-filesystem writers that create-then-fill, and
// runs one stage.ProcessFile call.
func processWatchedFile(ctx context.Context, st *stage.Stage, log *zap.Logger, path, outDir string) error {
	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, 200*time.Millisecond)
	if err != nil {
		return err
	}
	if !locked {
		log.Warn("skipping file locked by another writer", zap.String("path", path))
		return nil
	}
	defer fl.Unlock() //nolint:errcheck

	err = retry.Do(
		func() error {
			f, oerr := os.Open(path)
			if oerr != nil {
				return oerr
			}
			return f.Close()
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
	)
	if err != nil {
		return err
	}

	outPath := filepath.Join(outDir, filepath.Base(path))
	stats, err := st.ProcessFile(ctx, path, outPath)
	if err != nil {
		return err
	}
	log.Info("watched file processed",
		zap.String("path", path),
		zap.Uint64("packets_processed", stats.PacketsProcessed),
		zap.Uint64("packets_modified", stats.PacketsModified),
		zap.Int64("duration_ms", stats.DurationMS),
	)
	return nil
}
