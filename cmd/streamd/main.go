// streamd serves the streaming endpoint: /ws plus /health and /stats.
// Usage: go run ./cmd/streamd --config configs/streamlink.example.yaml
package main

import (
	"context"
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

	"github.com/livecalc/streamlink/internal/archive"
	"github.com/livecalc/streamlink/internal/config"
	"github.com/livecalc/streamlink/internal/database"
	"github.com/livecalc/streamlink/internal/server"
	"github.com/livecalc/streamlink/internal/version"
	"github.com/livecalc/streamlink/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/streamlink.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

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

	// Optional message archive
	var pool *pgxpool.Pool
	var writer *archive.Writer
	if cfg.Archive.Enabled {
		logger.Info("connecting to archive database",
			"host", cfg.Archive.Database.Host,
			"database", cfg.Archive.Database.Name,
		)

		pool, err = database.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			logger.Error("failed to connect to archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		writer = archive.NewWriter(archive.Config{
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
			BufferSize:    cfg.Archive.BufferSize,
		}, pool, logger)
		if err := writer.Start(ctx); err != nil {
			logger.Error("failed to start archive writer", "error", err)
			os.Exit(1)
		}
	}

	// Hub with archive sink attached when configured
	var handler server.MessageHandler
	if writer != nil {
		handler = func(client server.ClientInfo, env wire.Envelope) {
			writer.Add(archive.Record{
				ConnID:     client.ID,
				RemoteAddr: client.RemoteAddr,
				Type:       env.Type,
				MessageID:  env.MessageID,
				Payload:    env.Data,
				SentAt:     env.Timestamp,
				ReceivedAt: time.Now(),
			})
		}
	}

	hub := server.NewHub(server.Config{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		StatsInterval:     cfg.Server.StatsInterval,
		WriteTimeout:      cfg.Server.WriteTimeout,
		SendBuffer:        cfg.Server.SendBuffer,
	}, handler, logger)

	if err := hub.Start(ctx); err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}

	var pinger server.Pinger
	if pool != nil {
		pinger = pool
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: server.NewMux(hub, pinger),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		httpServer.Shutdown(shutdownCtx)
		hub.Stop(shutdownCtx)
		if writer != nil {
			writer.Stop(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("streamd stopped")
}
