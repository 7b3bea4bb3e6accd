package sessionstream

import (
	"context"
	"flag"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("sessionstream", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8090" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Store != "sqlite" {
		t.Fatalf("expected default store, got %q", cfg.Store)
	}
	if cfg.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("expected default idle ttl, got %v", cfg.SessionIdleTTL)
	}
	if cfg.MaxChunkBytes != 262144 {
		t.Fatalf("expected default max chunk bytes, got %d", cfg.MaxChunkBytes)
	}
	if cfg.AMQPURL != "" {
		t.Fatalf("expected amqp disabled, got %q", cfg.AMQPURL)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("SESSIONSTREAM_HTTP_ADDR", "env-addr")
	t.Setenv("SESSIONSTREAM_STORE", "bbolt")
	t.Setenv("SESSIONSTREAM_APPROVAL_TTL", "5m")
	t.Setenv("SESSIONSTREAM_OTEL_SAMPLE_RATIO", "0.1")

	fs := flag.NewFlagSet("sessionstream", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-addr",
		"-session-idle-ttl", "1m",
		"-otel-endpoint", "http://collector:4318",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-addr" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.Store != "bbolt" {
		t.Fatalf("expected env store, got %q", cfg.Store)
	}
	if cfg.ApprovalTTL != 5*time.Minute {
		t.Fatalf("expected env approval ttl, got %v", cfg.ApprovalTTL)
	}
	if cfg.SessionIdleTTL != time.Minute {
		t.Fatalf("expected flag idle ttl, got %v", cfg.SessionIdleTTL)
	}
	if !cfg.Telemetry.Active() || cfg.Telemetry.SampleRatio != 0.1 {
		t.Fatalf("telemetry = %+v, want active with env ratio", cfg.Telemetry)
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("SESSIONSTREAM_SESSION_IDLE_TTL", "soon")
	fs := flag.NewFlagSet("sessionstream", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	if err := Run(context.Background(), Config{LogLevel: "loud"}); err == nil {
		t.Fatal("expected error for bad log level")
	}
}

func TestRunServesUntilCanceled(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{
			HTTPAddr:   addr,
			Store:      "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "events.sqlite"),
			LogLevel:   "error",
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/up")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}
