package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.DB.Host != "localhost" || cfg.DB.Port != "5432" || cfg.DB.SSLMode != "disable" {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
	if cfg.SweepInterval != time.Minute {
		t.Fatalf("expected sweep interval 1m, got %s", cfg.SweepInterval)
	}
	if cfg.Reputation.InitialScore != 10 || cfg.Reputation.BaseJoinLimit != 3 ||
		cfg.Reputation.MaxJoinLimit != 10 || cfg.Reputation.ScorePerLimitStep != 10 {
		t.Fatalf("unexpected reputation defaults: %+v", cfg.Reputation)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("STORE", "memory")
	t.Setenv("SWEEP_WORKERS", "8")
	t.Setenv("REPUTATION_BASE_LIMIT", "5")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DB.Host != "db.internal" {
		t.Fatalf("expected db host override, got %q", cfg.DB.Host)
	}
	if cfg.Store != StoreMemory || cfg.SweepWorkers != 8 || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.Reputation.BaseJoinLimit != 5 {
		t.Fatalf("expected base limit 5, got %d", cfg.Reputation.BaseJoinLimit)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"unparsable", "SWEEP_WORKERS", "many", "parse env:"},
		{"store", "STORE", "sqlite", "STORE must be"},
		{"workers", "SWEEP_WORKERS", "0", "SWEEP_WORKERS must be positive"},
		{"policy", "REPUTATION_PER_LIMIT_STEP", "0", "reputation policy"},
		{"log format", "LOG_FORMAT", "xml", "LOG_FORMAT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}
