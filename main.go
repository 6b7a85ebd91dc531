package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arung-agamani/radiodan-bridge/config"
	"github.com/arung-agamani/radiodan-bridge/internal/configstore"
	"github.com/arung-agamani/radiodan-bridge/internal/eventstore"
	"github.com/arung-agamani/radiodan-bridge/internal/library"
	"github.com/arung-agamani/radiodan-bridge/internal/mixer"
	"github.com/arung-agamani/radiodan-bridge/internal/planner"
	"github.com/arung-agamani/radiodan-bridge/internal/plugin/simplefeeder"
	"github.com/arung-agamani/radiodan-bridge/internal/streamcontext"
	"github.com/arung-agamani/radiodan-bridge/internal/voice"
)

// shutdownCeiling bounds how long component teardown may take before being
// abandoned, per the concurrency model's 8s ceiling on shutdown.
const shutdownCeiling = 8 * time.Second

// noopTTS is the reference TTS backend wired when no out-of-core plugin has
// registered a real one: every segment without pre_generated_audio fails
// cleanly instead of hanging.
type noopTTS struct{}

var errTTSNotConfigured = errors.New("voice: no TTS backend configured")

func (noopTTS) Speak(ctx context.Context, text string, speaker, instruct *string) (string, time.Duration, error) {
	return "", 0, errTTSNotConfigured
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	slog.Info("starting radiodan bridge",
		"db_path", cfg.DBPath,
		"music_dir", cfg.MusicDir,
		"mixer_addr", cfg.MixerAddr,
	)

	ctx, cancel := context.WithCancel(context.Background())

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		slog.Error("failed to create database directory", "error", err)
		os.Exit(1)
	}

	events, err := eventstore.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open event store", "error", err)
		os.Exit(1)
	}

	configStore, err := configstore.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open config store", "error", err)
		os.Exit(1)
	}

	mixerClient := mixer.New(cfg.MixerAddr, configStore, cfg.MixerPathMap)
	if err := mixerClient.Start(ctx); err != nil {
		slog.Warn("mixer engine unreachable at startup, continuing in degraded mode", "error", err)
	}

	libStore, err := library.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open library store", "error", err)
		os.Exit(1)
	}
	scanner := library.NewScanner(cfg.MusicDir, libStore, cfg.ScanInterval)
	if _, err := scanner.ScanOnce(ctx); err != nil {
		slog.Warn("initial library scan failed", "error", err)
	}

	plannerStore, err := planner.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("failed to open planner store", "error", err)
		os.Exit(1)
	}
	pl := planner.New(libStore, plannerStore, mixerClient, events, cfg.Lookahead)
	if err := pl.Load(ctx); err != nil {
		slog.Error("failed to load persisted queue/history", "error", err)
	}

	streamCtx := streamcontext.New(mixerClient, pl, events, cfg.PollInterval, cfg.TrackEndingThreshold)
	scheduler := voice.New(noopTTS{}, mixerClient, streamCtx, events)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner.Run(ctx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return streamCtx.Start(gctx) })
	g.Go(func() error { return scheduler.Start(gctx) })
	if err := g.Wait(); err != nil {
		slog.Error("failed to start components", "error", err)
		os.Exit(1)
	}

	pl.SetFeeder(ctx, simplefeeder.New(cfg.NoRepeatCount))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		slog.Info("shutdown signal received")
		cancel()
	}()

	<-ctx.Done()

	slog.Info("shutting down")
	shutdownComplete := make(chan struct{})
	go func() {
		scheduler.Stop()
		streamCtx.Stop()
		pl.StopFill()
		mixerClient.Stop()
		wg.Wait()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		slog.Info("all components stopped cleanly")
	case <-time.After(shutdownCeiling):
		slog.Warn("shutdown ceiling reached, abandoning remaining components")
	}

	events.Close()
	slog.Info("bridge stopped")
}
