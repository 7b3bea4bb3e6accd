package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIDIsBase32UUIDv4(t *testing.T) {
	value, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(value) != 26 || strings.ToLower(value) != value {
		t.Fatalf("id = %q, want 26 lowercase characters", value)
	}

	raw, err := encoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		t.Fatalf("decode %q: %v", value, err)
	}
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		t.Fatalf("uuid from bytes: %v", err)
	}
	if parsed.Version() != 4 || parsed.Variant() != uuid.RFC4122 {
		t.Fatalf("uuid %s: version %d variant %s", parsed, parsed.Version(), parsed.Variant())
	}
}

func TestWithPrefix(t *testing.T) {
	gen := WithPrefix("msg_", func() (string, error) { return "abc", nil })
	got, err := gen()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "msg_abc" {
		t.Fatalf("id = %q, want %q", got, "msg_abc")
	}

	random, err := WithPrefix("apr_", nil)()
	if err != nil {
		t.Fatalf("generate random: %v", err)
	}
	if !strings.HasPrefix(random, "apr_") || len(random) != len("apr_")+26 {
		t.Fatalf("unexpected random id %q", random)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]struct{}, 64)
	for i := 0; i < 64; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
