package requestctx

import (
	"context"
	"testing"
)

func TestActorIDFromContextRoundTrip(t *testing.T) {
	ctx := WithActorID(context.Background(), " user-42 ")
	got := ActorIDFromContext(ctx)
	if got != "user-42" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "user-42")
	}
}

func TestActorIDFromContextEmpty(t *testing.T) {
	got := ActorIDFromContext(context.Background())
	if got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}

func TestActorIDFromContextNil(t *testing.T) {
	got := ActorIDFromContext(nil)
	if got != "" {
		t.Fatalf("expected empty string for nil context, got %q", got)
	}
}

func TestWithActorIDIgnoresBlank(t *testing.T) {
	ctx := WithActorID(context.Background(), "user-1")
	ctx = WithActorID(ctx, "  ")
	if got := ActorIDFromContext(ctx); got != "user-1" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "user-1")
	}
}

func TestWithActorIDNilContext(t *testing.T) {
	ctx := WithActorID(nil, "user-99")
	if ctx == nil {
		t.Fatalf("expected non-nil context")
	}
	if got := ActorIDFromContext(ctx); got != "user-99" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "user-99")
	}
}
