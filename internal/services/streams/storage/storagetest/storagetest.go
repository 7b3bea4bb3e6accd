// Package storagetest is a conformance suite every storage.EventLog backend runs.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
)

// Factory opens a fresh, empty log for one subtest. The suite closes it.
type Factory func(t *testing.T) storage.EventLog

// Run executes the conformance suite.
func Run(t *testing.T, open Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(t *testing.T, log storage.EventLog)
	}{
		{"append and list", testAppendAndList},
		{"list paging", testListPaging},
		{"offset conflict", testOffsetConflict},
		{"rejects malformed append", testRejectsMalformedAppend},
		{"supplied marker", testSuppliedMarker},
		{"store markers distinguish commits", testStoreMarkers},
		{"sessions are isolated", testSessionsIsolated},
		{"records chain verifies", testRecordsChain},
		{"lists sessions", testListSessions},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			log := open(t)
			t.Cleanup(func() {
				if err := log.Close(); err != nil {
					t.Errorf("close: %v", err)
				}
			})
			tc.fn(t, log)
		})
	}
}

var baseTime = time.Date(2026, 2, 3, 4, 5, 6, 789000000, time.UTC)

func meta(sessionID string, offset uint64) domain.Meta {
	return domain.Meta{SessionID: sessionID, Offset: offset, At: baseTime.Add(time.Duration(offset) * time.Second)}
}

// Start returns a start boundary at offset.
func Start(sessionID string, offset uint64, messageID string) domain.Event {
	return domain.BoundaryEvent{Meta: meta(sessionID, offset), MessageID: messageID, Boundary: domain.BoundaryStart}
}

// Chunk returns a chunk event at offset with the given chunk sequence.
func Chunk(sessionID string, offset, sequence uint64, messageID, text string) domain.Event {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return domain.ChunkEvent{
		Meta:      meta(sessionID, offset),
		MessageID: messageID,
		ActorID:   "actor-1",
		Role:      domain.RoleAssistant,
		Payload:   payload,
		Sequence:  sequence,
	}
}

// Approval returns an approval response at offset.
func Approval(sessionID string, offset uint64, approvalID string, approved bool) domain.Event {
	return domain.ApprovalEvent{Meta: meta(sessionID, offset), ApprovalID: approvalID, ActorID: "reviewer", Approved: approved}
}

func mustAppend(t *testing.T, log storage.EventLog, sessionID string, marker string, events ...domain.Event) storage.Commit {
	t.Helper()
	commit, err := log.Append(context.Background(), sessionID, events, marker)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return commit
}

func testAppendAndList(t *testing.T, log storage.EventLog) {
	ctx := context.Background()
	commit := mustAppend(t, log, "s1", "",
		Start("s1", 1, "m1"),
		Chunk("s1", 2, 1, "m1", "hello"),
	)
	if commit.Marker == "" {
		t.Fatal("expected store to produce a marker")
	}
	if commit.LastOffset() != 2 || len(commit.Events) != 2 {
		t.Fatalf("commit = %+v, want two events ending at offset 2", commit)
	}
	for _, evt := range commit.Events {
		if evt.Metadata().Marker != commit.Marker {
			t.Fatalf("event marker = %q, want %q", evt.Metadata().Marker, commit.Marker)
		}
	}
	mustAppend(t, log, "s1", "", Approval("s1", 3, "ap-1", true))

	events, err := log.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i, evt := range events {
		if evt.Metadata().Offset != uint64(i+1) {
			t.Fatalf("event %d offset = %d, want %d", i, evt.Metadata().Offset, i+1)
		}
	}

	chunk, ok := events[1].(domain.ChunkEvent)
	if !ok {
		t.Fatalf("event 2 = %T, want chunk", events[1])
	}
	if chunk.MessageID != "m1" || chunk.Sequence != 1 || chunk.Role != domain.RoleAssistant || chunk.ActorID != "actor-1" {
		t.Fatalf("chunk = %+v", chunk)
	}
	if string(chunk.Payload) != `{"text":"hello"}` {
		t.Fatalf("payload = %s", chunk.Payload)
	}
	if !chunk.At.Equal(baseTime.Add(2 * time.Second)) {
		t.Fatalf("at = %v, want %v", chunk.At, baseTime.Add(2*time.Second))
	}
	approval, ok := events[2].(domain.ApprovalEvent)
	if !ok || approval.ApprovalID != "ap-1" || !approval.Approved {
		t.Fatalf("approval = %+v", events[2])
	}
	boundary, ok := events[0].(domain.BoundaryEvent)
	if !ok || boundary.Boundary != domain.BoundaryStart {
		t.Fatalf("boundary = %+v", events[0])
	}

	empty, err := log.ListEvents(ctx, "missing", 0, 0)
	if err != nil {
		t.Fatalf("list missing session: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("missing session events = %d, want 0", len(empty))
	}
}

func testListPaging(t *testing.T, log storage.EventLog) {
	ctx := context.Background()
	mustAppend(t, log, "s1", "", Start("s1", 1, "m"))
	for i := uint64(2); i <= 6; i++ {
		mustAppend(t, log, "s1", "", Chunk("s1", i, i-1, "m", "x"))
	}
	page, err := log.ListEvents(ctx, "s1", 2, 3)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 3 || page[0].Metadata().Offset != 3 || page[2].Metadata().Offset != 5 {
		t.Fatalf("page offsets wrong: %d events", len(page))
	}
	tail, err := log.ListEvents(ctx, "s1", 6, 10)
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 0 {
		t.Fatalf("tail = %d, want 0", len(tail))
	}
}

func testOffsetConflict(t *testing.T, log storage.EventLog) {
	ctx := context.Background()
	mustAppend(t, log, "s1", "", Start("s1", 1, "m"))

	if _, err := log.Append(ctx, "s1", []domain.Event{Chunk("s1", 1, 1, "m", "dup")}, ""); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("duplicate offset error = %v, want ErrConflict", err)
	}
	if _, err := log.Append(ctx, "s1", []domain.Event{Chunk("s1", 3, 1, "m", "gap")}, ""); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("gap offset error = %v, want ErrConflict", err)
	}
	events, err := log.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events after conflicts = %d, want 1", len(events))
	}
}

func testRejectsMalformedAppend(t *testing.T, log storage.EventLog) {
	ctx := context.Background()
	if _, err := log.Append(ctx, "s1", nil, ""); err == nil {
		t.Fatal("expected empty append to fail")
	}
	if _, err := log.Append(ctx, "s1", []domain.Event{Start("other", 1, "m")}, ""); err == nil {
		t.Fatal("expected mismatched session to fail")
	}
	if _, err := log.Append(ctx, "s1", []domain.Event{Start("s1", 1, "m"), Chunk("s1", 3, 1, "m", "x")}, ""); err == nil {
		t.Fatal("expected non-contiguous batch to fail")
	}
	events, err := log.ListEvents(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events after rejected appends = %d, want 0", len(events))
	}
}

func testSuppliedMarker(t *testing.T, log storage.EventLog) {
	commit := mustAppend(t, log, "s1", "tx-42", Start("s1", 1, "m"), Chunk("s1", 2, 1, "m", "x"))
	if commit.Marker != "tx-42" {
		t.Fatalf("marker = %q, want tx-42", commit.Marker)
	}
	events, err := log.ListEvents(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, evt := range events {
		if evt.Metadata().Marker != "tx-42" {
			t.Fatalf("stored marker = %q, want tx-42", evt.Metadata().Marker)
		}
	}
}

func testStoreMarkers(t *testing.T, log storage.EventLog) {
	first := mustAppend(t, log, "s1", "", Start("s1", 1, "m"))
	second := mustAppend(t, log, "s1", "", Chunk("s1", 2, 1, "m", "x"))
	if first.Marker == "" || second.Marker == "" {
		t.Fatal("expected store-produced markers")
	}
	if first.Marker == second.Marker {
		t.Fatalf("markers = %q/%q, want distinct per commit", first.Marker, second.Marker)
	}
}

func testSessionsIsolated(t *testing.T, log storage.EventLog) {
	ctx := context.Background()
	mustAppend(t, log, "a", "", Start("a", 1, "ma"))
	mustAppend(t, log, "b", "", Start("b", 1, "mb"), Chunk("b", 2, 1, "mb", "x"))

	a, err := log.ListEvents(ctx, "a", 0, 0)
	if err != nil {
		t.Fatalf("list a: %v", err)
	}
	b, err := log.ListEvents(ctx, "b", 0, 0)
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	if len(a) != 1 || len(b) != 2 {
		t.Fatalf("a/b = %d/%d, want 1/2", len(a), len(b))
	}
}

func testRecordsChain(t *testing.T, log storage.EventLog) {
	reader, ok := log.(storage.RecordReader)
	if !ok {
		t.Skip("backend does not expose records")
	}
	mustAppend(t, log, "s1", "", Start("s1", 1, "m"), Chunk("s1", 2, 1, "m", "a"))
	mustAppend(t, log, "s1", "", Chunk("s1", 3, 2, "m", "b"))
	mustAppend(t, log, "s1", "", Approval("s1", 4, "ap", false))

	records, err := reader.ListRecords(context.Background(), "s1", 0, 0)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}
	if err := integrity.Verify(records); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func testListSessions(t *testing.T, log storage.EventLog) {
	lister, ok := log.(storage.SessionLister)
	if !ok {
		t.Skip("backend does not list sessions")
	}
	mustAppend(t, log, "b", "", Start("b", 1, "m"))
	mustAppend(t, log, "a", "", Start("a", 1, "m"), Chunk("a", 2, 1, "m", "x"))

	sessions, err := lister.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if sessions[0].SessionID != "a" || sessions[0].LastOffset != 2 {
		t.Fatalf("first session = %+v, want a at offset 2", sessions[0])
	}
	if sessions[1].SessionID != "b" || sessions[1].LastOffset != 1 {
		t.Fatalf("second session = %+v, want b at offset 1", sessions[1])
	}
	if sessions[0].LastMarker == "" {
		t.Fatal("expected last marker in summary")
	}
}
