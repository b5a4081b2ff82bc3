// Package config loads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/activity-signup/internal/database"
	"github.com/Shivanand-hulikatti/activity-signup/internal/model"
	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full configuration of the server and the sweep command.
type Config struct {
	Port  string `env:"PORT" envDefault:"8080"`
	Store string `env:"STORE" envDefault:"postgres"`

	DB database.Config `envPrefix:"DB_"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	NotifyChannel string `env:"NOTIFY_CHANNEL" envDefault:"activities:new"`

	// SweepInterval of zero disables the in-process sweep loop.
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepWorkers  int           `env:"SWEEP_WORKERS" envDefault:"4"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"100"`
	SweepLease    time.Duration `env:"SWEEP_LEASE" envDefault:"30s"`

	TxMaxRetries uint `env:"TX_MAX_RETRIES" envDefault:"5"`

	Reputation model.ReputationPolicy `envPrefix:"REPUTATION_"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store != StorePostgres && c.Store != StoreMemory {
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	if c.SweepWorkers <= 0 {
		errs = append(errs, errors.New("SWEEP_WORKERS must be positive"))
	}
	if c.SweepBatch <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH must be positive"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	if err := c.Reputation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reputation policy: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
