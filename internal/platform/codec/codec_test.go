package codec

import (
	"bytes"
	"testing"
	"time"
)

type sample struct {
	Name    string            `cbor:"name"`
	Offset  uint64            `cbor:"offset"`
	Labels  map[string]string `cbor:"labels"`
	Payload []byte            `cbor:"payload"`
}

func TestMarshalIsDeterministic(t *testing.T) {
	a := sample{Name: "s1", Offset: 4, Labels: map[string]string{"b": "2", "a": "1", "c": "3"}}
	b := sample{Name: "s1", Offset: 4, Labels: map[string]string{"c": "3", "a": "1", "b": "2"}}

	first, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	second, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected identical encodings for equal values")
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	in := sample{
		Name:    "session",
		Offset:  42,
		Payload: bytes.Repeat([]byte(`{"text":"hello"}`), 64),
	}
	data, err := MarshalCompressed(in)
	if err != nil {
		t.Fatalf("marshal compressed: %v", err)
	}
	if len(data) >= len(in.Payload) {
		t.Fatalf("expected repetitive payload to compress, got %d bytes", len(data))
	}

	var out sample
	if err := UnmarshalCompressed(data, &out); err != nil {
		t.Fatalf("unmarshal compressed: %v", err)
	}
	if out.Name != in.Name || out.Offset != in.Offset || !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecompressRejectsGarbage(t *testing.T) {
	if _, err := Decompress([]byte("not zstd")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestTimeRoundTripKeepsNanoseconds(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	in := stamped{At: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out stamped
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.At.Equal(in.At) {
		t.Fatalf("at = %v, want %v", out.At, in.At)
	}
}
