// Package config loads the relay configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/guni1192/droprelay/relay/logger"
	"github.com/guni1192/droprelay/relay/ratelimit"
)

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ListenAddr:     ":3000",
		MaxConnections: 1024,
		Log: Log{
			Level:  "info",
			Format: string(logger.FormatJSON),
		},
		Features: Features{Relay: true, P2P: true, Storage: true},
		Session: Session{
			TTL:                30 * time.Minute,
			SweepInterval:      5 * time.Minute,
			CompletionGrace:    2 * time.Second,
			P2PCompletionGrace: 5 * time.Second,
		},
		Relay: Relay{
			HighWaterMark:    64 << 10,
			MaxChunkSize:     8 << 20,
			ProgressInterval: 100 * time.Millisecond,
			EnforceReadiness: true,
		},
		RateLimits: RateLimits{
			Create: ratelimit.Rule{Max: 20, Window: time.Minute},
			Join:   ratelimit.Rule{Max: 10, Window: time.Minute},
			Upload: ratelimit.Rule{Max: 10, Window: time.Minute},
		},
		Storage: Storage{
			UploadDir:   "./files",
			MaxFileSize: 10 << 30,
			Retention:   24 * time.Hour,
			OrphanAge:   10 * time.Minute,
		},
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("tls requires both cert_file and key_file")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatJSON, logger.FormatText:
	default:
		return fmt.Errorf("log: unsupported format %q", c.Log.Format)
	}
	if !c.Features.Relay && !c.Features.P2P && !c.Features.Storage {
		return fmt.Errorf("features: at least one transfer mode must be enabled")
	}
	if c.Session.TTL <= 0 || c.Session.SweepInterval <= 0 {
		return fmt.Errorf("session: ttl and sweep_interval must be positive")
	}
	if c.Session.CompletionGrace < 0 || c.Session.P2PCompletionGrace < 0 {
		return fmt.Errorf("session: completion grace must not be negative")
	}
	if c.Relay.HighWaterMark <= 0 || c.Relay.MaxChunkSize <= 0 {
		return fmt.Errorf("relay: high_water_mark and max_chunk_size must be positive")
	}
	if c.Relay.ProgressInterval <= 0 {
		return fmt.Errorf("relay: progress_interval must be positive")
	}
	for action, rule := range c.RateLimits.Rules() {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", action, err)
		}
	}
	if c.Features.Storage {
		if c.Storage.UploadDir == "" {
			return fmt.Errorf("storage: upload_dir is required")
		}
		if c.Storage.MaxFileSize <= 0 {
			return fmt.Errorf("storage: max_file_size must be positive")
		}
		if c.Storage.Retention <= 0 && !c.Storage.DeleteOnDownload {
			return fmt.Errorf("storage: retention must be positive unless delete_on_download is set")
		}
	}
	return nil
}

// ApplyEnv overrides fields from PORT and LOG_LEVEL.
func (c *Config) ApplyEnv() error {
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("invalid PORT %q", port)
		}
		c.ListenAddr = ":" + port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	return nil
}
