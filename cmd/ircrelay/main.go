package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/ircrelay/internal/bus"
	"github.com/rickgao/ircrelay/internal/config"
	"github.com/rickgao/ircrelay/internal/connection"
	"github.com/rickgao/ircrelay/internal/database"
	"github.com/rickgao/ircrelay/internal/presence"
	"github.com/rickgao/ircrelay/internal/router"
	"github.com/rickgao/ircrelay/internal/version"
	"github.com/rickgao/ircrelay/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/ircrelay.yaml", "path to config file")
	logFormat := flag.String("log-format", "", "log format: text or json (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// Set up structured logging
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	build := version.Get()
	logger.Info("starting ircrelay",
		"version", build.Version,
		"commit", build.Commit,
		"config", *configPath,
		"upstream", fmt.Sprintf("%s:%d", cfg.Upstream.Host, cfg.Upstream.Port),
		"nick", cfg.Identity.Nick,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ircrelay failed", "error", err)
		os.Exit(1)
	}
	logger.Info("ircrelay stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// run wires the sinks, the health server and the relay and blocks until ctx
// is cancelled or the relay ends.
func run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	var taps []router.Tap
	var stoppers []func(context.Context) error

	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		for i := len(stoppers) - 1; i >= 0; i-- {
			if err := stoppers[i](stopCtx); err != nil {
				logger.Warn("shutdown step failed", "error", err)
			}
		}
	}()

	// Transcript archive
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"port", cfg.Archive.Database.Port,
			"database", cfg.Archive.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			return fmt.Errorf("connect archive: %w", err)
		}
		stoppers = append(stoppers, func(context.Context) error { pool.Close(); return nil })

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("prepare archive: %w", err)
		}

		w := writer.NewTranscriptWriter(writer.WriterConfig{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, pool, logger)
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start transcript writer: %w", err)
		}
		stoppers = append(stoppers, w.Stop)
		taps = append(taps, w)
	}

	// Bus mirror
	if cfg.Bus.Enabled {
		nc, err := bus.Connect(cfg.Bus, logger)
		if err != nil {
			return err
		}
		stoppers = append(stoppers, func(context.Context) error { nc.Close(); return nil })

		m := bus.NewMirror(bus.Config{
			SubjectPrefix: cfg.Bus.SubjectPrefix,
			BufferSize:    cfg.Bus.BufferSize,
			Downstream:    cfg.Bus.Downstream,
		}, nc, logger)
		if err := m.Start(ctx); err != nil {
			return fmt.Errorf("start bus mirror: %w", err)
		}
		stoppers = append(stoppers, m.Stop)
		taps = append(taps, m)
		logger.Info("bus mirror connected", "url", nc.ConnectedUrl())
	}

	relay := &relay{
		cfg:    cfg,
		taps:   taps,
		logger: logger,
		connector: &connection.Connector{
			Host:              cfg.Upstream.Host,
			Port:              cfg.Upstream.Port,
			DialTimeout:       cfg.Upstream.DialTimeout,
			ReconnectBaseWait: cfg.Upstream.ReconnectBaseDelay,
			ReconnectMaxWait:  cfg.Upstream.ReconnectMaxDelay,
			Logger:            logger,
		},
	}

	// Presence
	if cfg.Presence.Enabled {
		client, err := presence.NewClient(ctx, cfg.Presence)
		if err != nil {
			return err
		}
		stoppers = append(stoppers, func(context.Context) error { return client.Close() })
		relay.presence = client
	}

	g, gctx := errgroup.WithContext(ctx)

	// Health server
	var healthServer *http.Server
	if cfg.Health.Port >= 0 {
		healthServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           newHealthHandler(relay),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			if healthServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				healthServer.Shutdown(shutdownCtx)
			}
		}()
		return relay.run(gctx)
	})

	return g.Wait()
}
