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

// Command pktmask-mask is a thin CLI front door over internal/stage: it
// parses flags, builds a stage.Config, and either masks one file or watches
// a directory for complete captures to mask as they appear. Neither mode
// changes the stage's single-file contract (spec.md §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rickypin/PktMask-sub005/internal/stage"
	"go.uber.org/zap"
)

func main() {
	var (
		inPath      = flag.String("in", "", "input pcap/pcapng path")
		outPath     = flag.String("out", "", "output pcap/pcapng path")
		watchDir    = flag.String("watch", "", "watch this directory for new captures instead of masking one file")
		watchOutDir = flag.String("watch-out", "", "output directory for --watch mode (defaults to <watch>/masked)")
		mode        = flag.String("mode", string(stage.ModeEnhanced), "enhanced | basic | debug")
		tsharkPath  = flag.String("tshark", "", "path to the tshark binary (defaults to $PATH)")
		handshake   = flag.Bool("preserve-handshake", true, "preserve whole TLS Handshake records")
		appData     = flag.Bool("preserve-application-data", false, "preserve whole TLS ApplicationData records (false keeps only the 5-byte header)")
		alert       = flag.Bool("preserve-alert", true, "preserve whole TLS Alert records")
		ccs         = flag.Bool("preserve-change-cipher-spec", true, "preserve whole TLS ChangeCipherSpec records")
		heartbeat   = flag.Bool("preserve-heartbeat", false, "preserve whole TLS Heartbeat records")
		chunkSize   = flag.Int("chunk-size", 0, "capacity of the read-ahead packet buffer (0 = default)")
		maskByte    = flag.Int("mask-byte", 0, "filler byte value for masked payload, 0-255")
		dissectorMS = flag.Int("dissector-timeout-ms", stage.DefaultDissectorTimeoutMS, "wall-clock bound on one tshark invocation, in milliseconds (0 = unbounded)")
		verbose     = flag.Bool("verbose", false, "enable debug-level logging")
	)
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pktmask-mask: logger init failed:", err)
		os.Exit(2)
	}
	defer logger.Sync() //nolint:errcheck

	cfg := stage.DefaultConfig()
	cfg.Mode = stage.Mode(*mode)
	cfg.Marker.TsharkPath = *tsharkPath
	cfg.Marker.DissectorTimeoutMS = *dissectorMS
	cfg.Marker.Preserve = stage.PreserveConfig{
		Handshake:        *handshake,
		ApplicationData:  *appData,
		Alert:            *alert,
		ChangeCipherSpec: *ccs,
		Heartbeat:        *heartbeat,
	}
	cfg.Masker.ChunkSize = *chunkSize
	cfg.Masker.MaskByteValue = *maskByte
	cfg.Masker.VerifyChecksums = true

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// stage.New both validates cfg and builds a Stage; validate eagerly so a
	// bad config is reported before entering either mode below, even though
	// watch mode builds its own per-file Stage from cfg rather than reusing
	// this one (internal/stage's single-owner-per-file contract).
	st, err := stage.New(cfg, logger)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if *watchDir != "" {
		if err := runWatch(ctx, cfg, logger, watchConfig{
			dir:    *watchDir,
			outDir: *watchOutDir,
		}); err != nil {
			logger.Fatal("watch mode failed", zap.Error(err))
		}
		return
	}

	if *inPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "pktmask-mask: -in and -out are required unless -watch is set")
		flag.Usage()
		os.Exit(2)
	}

	stats, err := st.ProcessFile(ctx, *inPath, *outPath)
	if err != nil {
		logger.Error("processing failed", zap.Error(err), zap.String("in", *inPath))
		os.Exit(1)
	}
	logger.Info("file processed",
		zap.Uint64("packets_processed", stats.PacketsProcessed),
		zap.Uint64("packets_modified", stats.PacketsModified),
		zap.Uint64("masked_bytes", stats.MaskedBytes),
		zap.Uint64("preserved_bytes", stats.PreservedBytes),
		zap.Int64("duration_ms", stats.DurationMS),
		zap.Strings("warnings", stats.Warnings),
	)
	if !stats.Success {
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
