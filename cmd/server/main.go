// ThreadVault Server
//
// Features:
// - Chunked file transfer onto a chat platform's channels/attachments
// - Prometheus metrics & structured logging (zap)
// - Folder/file metadata in PostgreSQL with persisted chunk manifests
// - SSE per-transfer progress streams
// - Per-owner storage quotas with reserve/commit accounting
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/threadvault/threadvault/internal/api"
	"github.com/threadvault/threadvault/internal/config"
	"github.com/threadvault/threadvault/internal/events"
	"github.com/threadvault/threadvault/internal/logging"
	"github.com/threadvault/threadvault/internal/mapper"
	"github.com/threadvault/threadvault/internal/metadata/postgres"
	"github.com/threadvault/threadvault/internal/metrics"
	"github.com/threadvault/threadvault/internal/quota"
	"github.com/threadvault/threadvault/internal/remote"
	"github.com/threadvault/threadvault/internal/retry"
	"github.com/threadvault/threadvault/internal/transfer"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("ThreadVault Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	if err := metaStore.EnsureSchema(ctx); err != nil {
		logging.Fatal("schema migration failed", zap.Error(err))
	}

	// Initialize the Discord gateway
	gateway, err := remote.NewDiscordGateway(remote.DiscordConfig{
		Token:   cfg.DiscordToken,
		GuildID: cfg.DiscordGuildID,
		RateLimitRetry: retry.Config{
			MaxAttempts: cfg.ChunkRetryMax,
			InitialWait: cfg.RetryInitial,
			MaxWait:     cfg.RetryMax,
			Multiplier:  2,
			Jitter:      0.1,
		},
	})
	if err != nil {
		logging.Fatal("discord gateway init failed", zap.Error(err))
	}
	logging.Info("discord gateway initialized", zap.String("guild", cfg.DiscordGuildID))

	// Initialize quota ledger, storage mapper, progress broadcaster
	ledger := quota.NewLedger(metaStore)
	folderMapper := mapper.New(metaStore, gateway)
	broadcaster := events.NewBroadcaster()

	// Initialize the transfer engine
	engine := transfer.NewEngine(transfer.Config{
		ChunkSize: cfg.ChunkSizeBytes,
		ChunkRetry: retry.Config{
			MaxAttempts: cfg.ChunkRetryMax,
			InitialWait: cfg.RetryInitial,
			MaxWait:     cfg.RetryMax,
			Multiplier:  2,
			Jitter:      0.1,
		},
		Retention:     cfg.TransferRetention,
		SweepInterval: cfg.CleanupInterval,
		SpoolDir:      cfg.SpoolDir,
	}, gateway, folderMapper, ledger, metaStore, broadcaster)
	engine.Start(ctx)
	logging.Info("transfer engine started",
		zap.Int64("chunk_size", cfg.ChunkSizeBytes),
		zap.Duration("retention", cfg.TransferRetention))

	// Create API server
	srv := api.NewServer(metaStore, engine, folderMapper, ledger, broadcaster, cfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
