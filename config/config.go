// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every knob the engine reads at startup.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	// AutoReleaseDays is how long funds stay in escrow before the sweep
	// releases them without an explicit completion signal.
	AutoReleaseDays int           `env:"AUTO_RELEASE_DAYS" envDefault:"7"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"24h"`
	SweepBatchSize  int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`

	PayoutPollInterval time.Duration `env:"PAYOUT_POLL_INTERVAL" envDefault:"1m"`
	PayoutBatchSize    int           `env:"PAYOUT_BATCH_SIZE" envDefault:"50"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"5s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"20"`
	OutboxMaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`

	RateCacheTTL time.Duration `env:"RATE_CACHE_TTL" envDefault:"5m"`

	// ApprovalSigningSecret verifies signed share approvals. Empty disables
	// signature checks.
	ApprovalSigningSecret string `env:"APPROVAL_SIGNING_SECRET"`

	// External collaborators.
	GatewayBaseURL    string `env:"GATEWAY_BASE_URL,required"`
	WorkStatusBaseURL string `env:"WORKSTATUS_BASE_URL,required"`
	NotifyBaseURL     string `env:"NOTIFY_BASE_URL,required"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
