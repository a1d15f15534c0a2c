// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Command whisperd runs the GPU transcription daemon: HTTP surfaces, the
// single pipeline worker, the model manager and the retention sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/whisperd/internal/api"
	"github.com/ManuGH/whisperd/internal/config"
	applog "github.com/ManuGH/whisperd/internal/log"
	"github.com/ManuGH/whisperd/internal/media"
	"github.com/ManuGH/whisperd/internal/metrics"
	"github.com/ManuGH/whisperd/internal/queue"
	"github.com/ManuGH/whisperd/internal/retention"
	"github.com/ManuGH/whisperd/internal/storage"
	"github.com/ManuGH/whisperd/internal/store"
	"github.com/ManuGH/whisperd/internal/webhook"
	"github.com/ManuGH/whisperd/internal/whisper"
	"github.com/ManuGH/whisperd/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// runHealthcheck probes the local daemon, for container health checks.
func runHealthcheck(args []string) int {
	fs := flag.NewFlagSet("healthcheck", flag.ExitOnError)
	base := fs.String("addr", "http://127.0.0.1:8000", "base URL of the daemon")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*base + "/api/health")
	if err != nil {
		fmt.Fprintln(os.Stderr, "healthcheck:", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "healthcheck: unexpected status", resp.Status)
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	applog.Configure(applog.Config{
		Level:   "info",
		Service: "whisperd",
		Version: version,
	})
	logger := applog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}
	applog.Configure(applog.Config{
		Level:   cfg.LogLevel,
		Service: "whisperd",
		Version: version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Addr()).
		Msg("starting whisperd")
	logger.Info().Msgf("→ Data dir: %s", cfg.DataDir)
	logger.Info().Msgf("→ Model: %s (%s)", cfg.WhisperModel, cfg.WhisperModelPath)
	logger.Info().Msgf("→ Queue capacity: %d", cfg.QueueCapacity)
	logger.Info().Msgf("→ Retention: %d days", cfg.RetentionDays)
	if cfg.APIKey != "" {
		logger.Info().Msg("→ API key: configured")
	} else {
		logger.Warn().
			Str("security", "weak").
			Msg("→ API key: NOT configured. Set API_KEY to protect job submission.")
	}
	if !whisper.EngineAvailable() {
		logger.Warn().Msg("→ Inference engine: not compiled in; transcription jobs will fail")
	}

	layout, err := storage.New(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "storage.init_failed").Msg("failed to prepare data directory")
	}

	st, err := store.NewJobStore(filepath.Join(cfg.DataDir, "whisperd.db"))
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("failed to open job store")
	}
	defer func() { _ = st.Close() }()

	q := queue.New(cfg.QueueCapacity)

	observeModelState := metrics.ModelStateObserver()
	mgr := whisper.NewManager(whisper.ManagerConfig{
		ModelPath:     cfg.WhisperModelPath,
		ModelName:     cfg.WhisperModel,
		IdleUnload:    cfg.ModelIdleUnload,
		LoadTimeout:   cfg.ModelLoadTimeout,
		OnStateChange: func(s whisper.State) { observeModelState(string(s)) },
	})

	acquirer := &media.Acquirer{
		YTDLP:    cfg.YTDLPPath,
		MaxBytes: cfg.MaxUploadBytes(),
	}
	extractor := &media.Extractor{
		FFmpeg:  cfg.FFmpegPath,
		FFprobe: cfg.FFprobePath,
	}
	notifier := webhook.NewNotifier()
	notifier.Budget = cfg.WebhookBudget

	w := worker.New(st, layout, q, acquirer, extractor, mgr, notifier, worker.Config{
		KeepSource:   cfg.KeepSource,
		StageTimeout: cfg.StageTimeout,
	})
	if err := w.RecoverJobs(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "recovery.failed").Msg("startup job recovery failed")
	}

	sweeper := retention.New(st, layout, cfg.SweepInterval)
	server := api.New(&cfg, st, layout, q, mgr, acquirer, sweeper, version)

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// no global write timeout: artifact downloads and synchronous
		// transcription responses can legitimately run long
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := w.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		mgr.RunIdleUnloader(gctx)
		return nil
	})
	g.Go(func() error {
		err := sweeper.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon terminated with error")
	}
	logger.Info().Msg("server exiting")
}
