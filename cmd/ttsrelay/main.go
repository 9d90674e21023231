package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nova-labs/ttsrelay/internal/api"
	"github.com/nova-labs/ttsrelay/internal/audit"
	"github.com/nova-labs/ttsrelay/internal/backend"
	"github.com/nova-labs/ttsrelay/internal/cache"
	"github.com/nova-labs/ttsrelay/internal/config"
	"github.com/nova-labs/ttsrelay/internal/dispatcher"
	"github.com/nova-labs/ttsrelay/internal/llmproxy"
	"github.com/nova-labs/ttsrelay/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "ttsrelay.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cfg.Version = version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	auditStore, err := audit.Open(ctx, cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	defer auditStore.Close()

	backends := make([]backend.Backend, 0, len(cfg.TTS.Backends))
	for _, b := range cfg.TTS.Backends {
		backends = append(backends, backend.Backend{
			URL:           b.URL,
			Token:         b.Token,
			MaxConcurrent: cfg.TTS.MaxConcurrent,
		})
	}
	pool := backend.New(backends, logger)

	disp := dispatcher.New(pool, cfg.TTS.RetryCount, cfg.TTS.ExtraParams)

	c := cache.New(ctx, cfg.Cache.MaxSize, cfg.Cache.TTL, synthAdapter{disp}, logger)
	defer c.Close()

	proxy := llmproxy.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)

	srv, err := api.New(cfg, proxy, c, pool, auditStore, logger)
	if err != nil {
		return fmt.Errorf("failed to construct api server: %w", err)
	}

	rt := runtime.New(cfg, logger, srv.Handler())
	return rt.Start(ctx)
}

// synthAdapter bridges dispatcher.Dispatcher's (Result, error) return onto
// the cache.Synthesizer interface, which only wants the raw audio bytes.
type synthAdapter struct {
	disp *dispatcher.Dispatcher
}

func (a synthAdapter) Synthesize(ctx context.Context, model, voice, text string, deadline time.Time) ([]byte, error) {
	result, err := a.disp.Synthesize(ctx, model, voice, text, deadline)
	if err != nil {
		return nil, err
	}
	return result.Audio, nil
}
