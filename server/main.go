// Copyright (c) 2022-present, DiceDB contributors
// All rights reserved. Licensed under the BSD 3-Clause License. See LICENSE file in the project root for full license information.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"syscall"
	"time"

	"github.com/migue/arkive/config"
	"github.com/migue/arkive/internal/archive/catalog"
	"github.com/migue/arkive/internal/archive/conductor"
	"github.com/migue/arkive/internal/archive/notify"
	"github.com/migue/arkive/internal/archive/session"
	"github.com/migue/arkive/internal/clock"
	"github.com/migue/arkive/internal/observability"
)

func printConfiguration() {
	slog.Info("starting archive engine", slog.String("version", config.ArchiveVersion))
	slog.Info("running with", slog.String("archive-dir", config.Config.ArchiveDir))
	slog.Info("running with", slog.Int64("term-buffer-length", config.Config.TermBufferLength))
	slog.Info("running with", slog.Int64("segment-file-length", config.Config.SegmentFileLength))
	slog.Info("running with", slog.Bool("force-writes", config.Config.ForceWrites))
	slog.Info("running with", slog.Bool("force-metadata-updates", config.Config.ForceMetadataUpdates))
	slog.Info("running on", slog.Int("cores", runtime.NumCPU()))
}

func printBanner() {
	fmt.Print(`
            _    _
  __ _ _ __| | _(_)_   _____
 / _` + "`" + ` | '__| |/ / \ \ / / _ \
| (_| | |  |   <| |\ V /  __/
 \__,_|_|  |_|\_\_| \_/ \___|
 stream recording & replay engine

`)
}

// Archive is everything the conductor run loop needs once started: the
// catalog of known recordings and the notification sink recording and
// replay sessions report lifecycle events through. Transport-layer
// collaborators (the Image and Publication implementations that feed real
// recording and replay sessions to the conductor) live with the embedding
// deployment — Start wires the engine up ready to accept sessions from a
// transport binding via AddSession.
type Archive struct {
	Catalog   *catalog.Catalog
	Notifier  notify.Sink
	Clock     clock.EpochClock
	Conductor *conductor.Conductor
}

// Start boots the archive engine: opens the catalog, starts the
// single-threaded conductor loop, and serves /metrics and /healthz until
// SIGTERM/SIGINT.
func Start() {
	printBanner()
	printConfiguration()

	cat, err := catalog.Open(config.Config.ArchiveDir)
	if err != nil {
		slog.Error("could not open catalog", slog.Any("error", err))
		os.Exit(1)
	}

	session.ReplaySendBatchSize = config.Config.ReplaySendBatchSize
	session.LingerMillis = config.Config.ReplayLingerMillis

	archive := &Archive{
		Catalog:   cat,
		Notifier:  notify.LogSink{},
		Clock:     clock.System{},
		Conductor: conductor.New(),
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	if config.Config.EnableProfile {
		stopProfiling, err := startProfiling()
		if err != nil {
			slog.Error("profiling could not be started", slog.Any("error", err))
		} else {
			defer stopProfiling()
		}
	}

	var wg sync.WaitGroup

	mux := http.NewServeMux()
	observability.SetupMetrics(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "sessions=%d\n", archive.Conductor.SessionCount())
	})
	addr := fmt.Sprintf("%s:%d", config.Config.MetricsHost, config.Config.MetricsPort)
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("metrics http server starting", slog.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics http server exited", slog.Any("error", err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		idle := conductor.Backoff(time.Duration(config.Config.ConductorIdleMicros) * time.Microsecond)
		archive.Conductor.Run(ctx, idle)
	}()

	slog.Info("ready")

	<-sigs
	slog.Info("shutting down")
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	wg.Wait()
}

func startProfiling() (func(), error) {
	cpuFile, err := os.Create("cpu.prof")
	if err != nil {
		return nil, fmt.Errorf("could not create cpu.prof: %w", err)
	}
	if err = pprof.StartCPUProfile(cpuFile); err != nil {
		cpuFile.Close()
		return nil, fmt.Errorf("could not start CPU profile: %w", err)
	}

	memFile, err := os.Create("mem.prof")
	if err != nil {
		pprof.StopCPUProfile()
		cpuFile.Close()
		return nil, fmt.Errorf("could not create mem.prof: %w", err)
	}

	runtime.SetBlockProfileRate(1)

	traceFile, err := os.Create("trace.out")
	if err != nil {
		runtime.SetBlockProfileRate(0)
		memFile.Close()
		pprof.StopCPUProfile()
		cpuFile.Close()
		return nil, fmt.Errorf("could not create trace.out: %w", err)
	}
	if err := trace.Start(traceFile); err != nil {
		traceFile.Close()
		runtime.SetBlockProfileRate(0)
		memFile.Close()
		pprof.StopCPUProfile()
		cpuFile.Close()
		return nil, fmt.Errorf("could not start trace: %w", err)
	}

	return func() {
		pprof.StopCPUProfile()
		cpuFile.Close()

		runtime.GC()
		if err := pprof.WriteHeapProfile(memFile); err != nil {
			slog.Warn("could not write memory profile", slog.Any("error", err))
		}
		memFile.Close()

		blockFile, err := os.Create("block.prof")
		if err != nil {
			slog.Warn("could not create block profile", slog.Any("error", err))
		} else {
			if err := pprof.Lookup("block").WriteTo(blockFile, 0); err != nil {
				slog.Warn("could not write block profile", slog.Any("error", err))
			}
			blockFile.Close()
		}
		runtime.SetBlockProfileRate(0)

		trace.Stop()
		traceFile.Close()
	}, nil
}
