package wire

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
)

func TestFromEventShapes(t *testing.T) {
	meta := domain.Meta{SessionID: "s1", Offset: 2, Marker: "9", At: time.Unix(0, 0).UTC()}

	chunk := FromEvent(domain.ChunkEvent{Meta: meta, MessageID: "m", ActorID: "a", Role: domain.RoleAssistant, Payload: json.RawMessage(`{"text":"hi"}`), Sequence: 1})
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	for _, want := range []string{`"kind":"chunk"`, `"chunk":{"text":"hi"}`, `"visibilityMarker":"9"`, `"sequence":1`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("chunk json %s missing %s", data, want)
		}
	}
	if strings.Contains(string(data), "approved") {
		t.Fatalf("chunk json %s must not carry approval fields", data)
	}

	rejected := FromEvent(domain.ApprovalEvent{Meta: meta, ApprovalID: "ap", ActorID: "u", Approved: false})
	data, _ = json.Marshal(rejected)
	if !strings.Contains(string(data), `"approved":false`) {
		t.Fatalf("approval json %s must keep an explicit false", data)
	}
}

func TestFromEventQuotesNonJSONPayload(t *testing.T) {
	evt := FromEvent(domain.ChunkEvent{Payload: json.RawMessage("raw text")})
	if string(evt.Chunk) != `"raw text"` {
		t.Fatalf("chunk = %s, want quoted string", evt.Chunk)
	}
}
