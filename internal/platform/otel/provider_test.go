package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestLoadConfigReadsPrefixedVariables(t *testing.T) {
	t.Setenv("SESSIONSTREAM_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("SESSIONSTREAM_OTEL_SAMPLE_RATIO", "0.25")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Enabled {
		t.Fatal("enabled = false, want default true")
	}
	if cfg.Endpoint != "http://collector:4318" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v, want 0.25", cfg.SampleRatio)
	}
}

func TestConfigActive(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"no endpoint", Config{Enabled: true}, false},
		{"blank endpoint", Config{Enabled: true, Endpoint: "  "}, false},
		{"disabled", Config{Enabled: false, Endpoint: "http://localhost:4318"}, false},
		{"configured", Config{Enabled: true, Endpoint: "http://localhost:4318"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cfg.Active(); got != tc.want {
				t.Fatalf("Active() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConfigSampler(t *testing.T) {
	always := sdktrace.AlwaysSample().Description()
	if got := (Config{SampleRatio: 1}).sampler().Description(); got != always {
		t.Fatalf("ratio 1 sampler = %q, want %q", got, always)
	}
	if got := (Config{}).sampler().Description(); got != always {
		t.Fatalf("zero ratio sampler = %q, want %q", got, always)
	}
	if got := (Config{SampleRatio: 0.5}).sampler().Description(); got == always {
		t.Fatal("ratio 0.5 sampler should not always sample")
	}
}

func TestSetupInactiveIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "sessionstream", Config{Enabled: true})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// Nothing is exported because no spans are recorded.
	cfg := Config{Enabled: true, Endpoint: "http://192.0.2.1:4318", SampleRatio: 0.5}
	shutdown, err := Setup(context.Background(), "sessionstream", cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("trace id = %q, want empty", got)
	}
}
