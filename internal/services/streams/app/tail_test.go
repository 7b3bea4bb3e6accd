package app

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"golang.org/x/net/websocket"
)

func dialTail(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readTailFrame(t *testing.T, conn *websocket.Conn) tailFrame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame tailFrame
	if err := websocket.JSON.Receive(conn, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func TestTailReplaysThenStreamsCommits(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	expectStatus(t, env.do(t, http.MethodPost, "/s1/generations/start", map[string]string{"messageId": "m1"}), http.StatusOK)
	expectStatus(t, env.do(t, http.MethodPost, "/s1/chunks", chunk("m1", "Hel")), http.StatusOK)

	conn := dialTail(t, srv, "/s1/stream?after=1")

	frame := readTailFrame(t, conn)
	if frame.Type != frameEvent || frame.Event == nil || frame.Event.Offset != 2 {
		t.Fatalf("replay frame = %+v, want event at offset 2", frame)
	}
	frame = readTailFrame(t, conn)
	if frame.Type != frameLive || frame.Offset != 2 {
		t.Fatalf("frame = %+v, want live at offset 2", frame)
	}

	expectStatus(t, env.do(t, http.MethodPost, "/s1/chunks", chunk("m1", "lo")), http.StatusOK)
	frame = readTailFrame(t, conn)
	if frame.Type != frameEvent || frame.Event == nil {
		t.Fatalf("frame = %+v, want event", frame)
	}
	if frame.Event.Offset != 3 || frame.Event.Sequence != 2 || frame.Event.Marker == "" {
		t.Fatalf("live event = %+v", frame.Event)
	}
}

func TestTailUnknownSessionIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/ghost/stream", nil)
	expectStatus(t, rr, http.StatusNotFound)
}

func TestTailHubDropsSlowSubscriber(t *testing.T) {
	hub := newTailHub(1)
	slow := hub.subscribe("s1")
	other := hub.subscribe("s2")

	hub.Deliver(storage.Commit{SessionID: "s1", Marker: "1"})
	hub.Deliver(storage.Commit{SessionID: "s1", Marker: "2"})

	if got := hub.count("s1"); got != 0 {
		t.Fatalf("s1 subscribers = %d, want 0", got)
	}
	if got := hub.count("s2"); got != 1 {
		t.Fatalf("s2 subscribers = %d, want 1", got)
	}
	if commit, ok := <-slow.commits; !ok || commit.Marker != "1" {
		t.Fatalf("first commit = %+v, %v", commit, ok)
	}
	if _, ok := <-slow.commits; ok {
		t.Fatal("expected closed channel after drop")
	}

	// Unsubscribing a dropped subscriber is harmless.
	hub.unsubscribe(slow)
	hub.unsubscribe(other)
	if got := hub.count("s2"); got != 0 {
		t.Fatalf("s2 subscribers = %d, want 0", got)
	}
}

func TestTailHubRoomsAreIndependent(t *testing.T) {
	hub := newTailHub(4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		sessionID := fmt.Sprintf("s%d", i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub := hub.subscribe(sessionID)
				hub.Deliver(storage.Commit{SessionID: sessionID})
				hub.unsubscribe(sub)
			}
		}()
	}
	wg.Wait()

	for _, sessionID := range []string{"s0", "s1"} {
		if got := hub.count(sessionID); got != 0 {
			t.Fatalf("%s subscribers = %d, want 0", sessionID, got)
		}
		if _, ok := hub.rooms.Load(sessionID); ok {
			t.Fatalf("%s room still registered after last unsubscribe", sessionID)
		}
	}

	// A room emptied by unsubscribe is replaced on the next subscribe.
	sub := hub.subscribe("s0")
	hub.Deliver(storage.Commit{SessionID: "s0", Marker: "7"})
	if commit := <-sub.commits; commit.Marker != "7" {
		t.Fatalf("marker = %q, want 7", commit.Marker)
	}
}

func TestTailHubShutdownIsIdempotent(t *testing.T) {
	hub := newTailHub(1)
	hub.shutdown()
	hub.shutdown()
	select {
	case <-hub.done:
	default:
		t.Fatal("done not closed after shutdown")
	}
}
