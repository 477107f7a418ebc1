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

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/wsrelay/internal/config"
	"github.com/rickgao/wsrelay/internal/connection"
	"github.com/rickgao/wsrelay/internal/database"
	"github.com/rickgao/wsrelay/internal/journal"
	"github.com/rickgao/wsrelay/internal/relay"
	"github.com/rickgao/wsrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
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

	// Set up structured logging
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"mode", cfg.Relay.Mode,
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
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}

	logger.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.RelayConfig, logger *slog.Logger) error {
	startedAt := time.Now()

	// Optional journal
	var (
		pool     *pgxpool.Pool
		writer   *journal.Writer
		recorder relay.Recorder
	)
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"port", cfg.Journal.Database.Port,
			"database", cfg.Journal.Database.Name,
		)

		var err error
		pool, err = database.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			return fmt.Errorf("connect journal database: %w", err)
		}
		defer pool.Close()

		if cfg.Journal.CreateSchema {
			if err := journal.EnsureSchema(ctx, pool); err != nil {
				return fmt.Errorf("create journal schema: %w", err)
			}
		}

		writer = journal.NewWriter(journal.Config{
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
		}, pool, logger.With("component", "journal"))
		if err := writer.Start(ctx); err != nil {
			return fmt.Errorf("start journal: %w", err)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := writer.Stop(stopCtx); err != nil {
				logger.Warn("journal final flush failed", "error", err)
			}
		}()
		recorder = writer
	}

	// Connection manager and hub
	mode, err := relay.ParseMode(cfg.Relay.Mode)
	if err != nil {
		return err
	}

	handle, events := connection.New(logger.With("component", "connection_manager"))
	defer handle.Close()

	hub := relay.NewHub(relay.Config{
		Mode:      mode,
		WebSocket: webSocketConfig(cfg.Server),
	}, handle, events, recorder, logger.With("component", "hub"))

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, hub)

	relayServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.Server.HandshakeTimeout,
	}

	healthCfg := relay.HealthConfig{
		Path:       cfg.Health.Path,
		InstanceID: cfg.Instance.ID,
		StartedAt:  startedAt,
		Journal:    writer,
	}
	if pool != nil {
		healthCfg.Database = pool
	}
	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           hub.HealthHandler(healthCfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := hub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("relay listening", "addr", cfg.Server.ListenAddr, "path", cfg.Server.Path)
		if err := relayServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		relayServer.Shutdown(shutdownCtx)
		healthServer.Shutdown(shutdownCtx)

		// Dropping the last handle stops the manager and every worker
		handle.Close()
		select {
		case <-handle.Done():
		case <-shutdownCtx.Done():
			logger.Warn("connection manager stop timed out", "workers", handle.Stats().Workers)
		}
		return nil
	})

	logger.Info("relay running",
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	return g.Wait()
}

func webSocketConfig(s config.ServerConfig) connection.WebSocketConfig {
	return connection.WebSocketConfig{
		ReadLimit:        s.ReadLimit,
		PingInterval:     s.PingInterval,
		PingTimeout:      s.PingTimeout,
		WriteTimeout:     s.WriteTimeout,
		HandshakeTimeout: s.HandshakeTimeout,
		Binary:           !s.TextFrames,
	}
}
