package config

import (
	"strings"
	"testing"
	"time"
)

type registryEnv struct {
	Store   string        `env:"CFG_TEST_STORE" envDefault:"sqlite"`
	IdleTTL time.Duration `env:"CFG_TEST_IDLE_TTL" envDefault:"30m"`
	MaxIDs  int           `env:"CFG_TEST_MAX_IDS" envDefault:"1024"`
}

func TestParseEnvAppliesPrefix(t *testing.T) {
	t.Setenv("CFG_TEST_STORE", "ignored")
	t.Setenv("SESSIONSTREAM_CFG_TEST_STORE", "postgres")
	t.Setenv("SESSIONSTREAM_CFG_TEST_IDLE_TTL", "90s")

	var cfg registryEnv
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Store != "postgres" {
		t.Fatalf("store = %q, want postgres", cfg.Store)
	}
	if cfg.IdleTTL != 90*time.Second {
		t.Fatalf("idle ttl = %s, want 90s", cfg.IdleTTL)
	}
	if cfg.MaxIDs != 1024 {
		t.Fatalf("max ids = %d, want default 1024", cfg.MaxIDs)
	}
}

func TestParseEnvWithCustomPrefix(t *testing.T) {
	t.Setenv("STREAMCTL_CFG_TEST_STORE", "memory")

	var cfg registryEnv
	if err := ParseEnvWithPrefix(&cfg, "STREAMCTL_"); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("store = %q, want memory", cfg.Store)
	}
}

func TestParseEnvWrapsErrors(t *testing.T) {
	t.Setenv("SESSIONSTREAM_CFG_TEST_MAX_IDS", "lots")

	var cfg registryEnv
	err := ParseEnv(&cfg)
	if err == nil || !strings.HasPrefix(err.Error(), "parse env:") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}
