package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
	"time"
)

type journalFlags struct {
	Store   string        `env:"ENTRY_TEST_STORE" envDefault:"sqlite"`
	IdleTTL time.Duration `env:"ENTRY_TEST_IDLE_TTL" envDefault:"30m"`
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SESSIONSTREAM_ENTRY_TEST_STORE", "bbolt")
	t.Setenv("SESSIONSTREAM_ENTRY_TEST_IDLE_TTL", "5m")

	var cfg journalFlags
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	fs := flag.NewFlagSet("entry", flag.ContinueOnError)
	fs.StringVar(&cfg.Store, "store", cfg.Store, "")
	fs.DurationVar(&cfg.IdleTTL, "idle-ttl", cfg.IdleTTL, "")
	if err := ParseArgs(fs, []string{"-store", "memory"}); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if cfg.Store != "memory" {
		t.Fatalf("store = %q, want flag value", cfg.Store)
	}
	if cfg.IdleTTL != 5*time.Minute {
		t.Fatalf("idle ttl = %s, want env value", cfg.IdleTTL)
	}
}

func TestParseRejectsNilTargets(t *testing.T) {
	if err := ParseConfig[journalFlags](nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil flag set")
	}
}

func TestRunValidatesInputs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	if err := Run(context.Background(), " ", RunOptions{}, noop); err == nil {
		t.Fatal("expected error for blank service")
	}
	if err := Run(context.Background(), ServiceSessionStream, RunOptions{}, nil); err == nil {
		t.Fatal("expected error for nil run")
	}
}

func TestRunPassesThroughContextAndError(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "sess-1")
	want := errors.New("journal closed")

	err := Run(ctx, ServiceStreamCtl, RunOptions{}, func(got context.Context) error {
		if got.Value(key{}) != "sess-1" {
			t.Fatal("run did not receive caller context")
		}
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}
