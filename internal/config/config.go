// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all ThreadVault server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Chat platform (remote object store)
	DiscordToken   string
	DiscordGuildID string

	// Transfers
	// ChunkSizeBytes is the per-attachment ceiling minus an encoding
	// safety margin. Chunks never exceed this size.
	ChunkSizeBytes int64
	ChunkRetryMax  int
	RetryInitial   time.Duration
	RetryMax       time.Duration

	// TransferRetention is how long terminal transfers stay queryable.
	TransferRetention time.Duration
	CleanupInterval   time.Duration

	// SpoolDir holds download spool files until they are streamed out.
	SpoolDir string

	// Quotas (defaults for new accounts)
	DefaultQuotaBytes int64
}

const (
	// Discord caps bot attachments at 10 MiB; keep a margin for
	// multipart encoding overhead.
	defaultAttachmentCeiling = 10 * 1024 * 1024
	defaultChunkMargin       = 256 * 1024
)

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		DatabaseURL:       envOr("DATABASE_URL", ""),
		DiscordToken:      envOr("DISCORD_TOKEN", ""),
		DiscordGuildID:    envOr("DISCORD_GUILD_ID", ""),
		ChunkSizeBytes:    envInt64("CHUNK_SIZE_BYTES", defaultAttachmentCeiling-defaultChunkMargin),
		ChunkRetryMax:     envInt("CHUNK_RETRY_MAX", 5),
		RetryInitial:      envDuration("RETRY_INITIAL_WAIT", 500*time.Millisecond),
		RetryMax:          envDuration("RETRY_MAX_WAIT", 30*time.Second),
		TransferRetention: envDuration("TRANSFER_RETENTION", 10*time.Minute),
		CleanupInterval:   envDuration("CLEANUP_INTERVAL", time.Minute),
		SpoolDir:          envOr("SPOOL_DIR", os.TempDir()),
		DefaultQuotaBytes: envInt64("DEFAULT_QUOTA_BYTES", 0), // 0 = unlimited
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DiscordToken == "" {
		return nil, fmt.Errorf("DISCORD_TOKEN is required")
	}
	if cfg.DiscordGuildID == "" {
		return nil, fmt.Errorf("DISCORD_GUILD_ID is required")
	}
	if cfg.ChunkSizeBytes <= 0 {
		return nil, fmt.Errorf("CHUNK_SIZE_BYTES must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
