package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/louisbranch/sessionstream/internal/platform/errors"
	"github.com/louisbranch/sessionstream/internal/platform/timeouts"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/wire"
	"golang.org/x/net/websocket"
)

const (
	defaultTailBuffer = 256
	tailReplayPage    = 500
)

// Frame types sent to tail subscribers.
const (
	frameEvent = "event"
	frameLive  = "live"
	frameError = "error"
)

type tailFrame struct {
	Type   string      `json:"type"`
	Event  *wire.Event `json:"event,omitempty"`
	Offset uint64      `json:"offset,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

type tailSubscriber struct {
	sessionID string
	commits   chan storage.Commit
}

// tailRoom holds one session's subscribers. A closed room has been removed
// from the hub and must not gain members.
type tailRoom struct {
	mu     sync.Mutex
	subs   map[*tailSubscriber]struct{}
	closed bool
}

// tailHub fans commits out to live-tail subscribers. Deliver runs inside the
// session write lock, so it only takes that session's room lock and drops a
// subscriber whose buffer is full instead of waiting on it.
type tailHub struct {
	buffer int
	rooms  sync.Map // session id -> *tailRoom

	done     chan struct{}
	doneOnce sync.Once
}

func newTailHub(buffer int) *tailHub {
	if buffer <= 0 {
		buffer = defaultTailBuffer
	}
	return &tailHub{buffer: buffer, done: make(chan struct{})}
}

func (h *tailHub) subscribe(sessionID string) *tailSubscriber {
	sub := &tailSubscriber{sessionID: sessionID, commits: make(chan storage.Commit, h.buffer)}
	for {
		value, _ := h.rooms.LoadOrStore(sessionID, &tailRoom{subs: make(map[*tailSubscriber]struct{})})
		room := value.(*tailRoom)
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		room.subs[sub] = struct{}{}
		room.mu.Unlock()
		return sub
	}
}

func (h *tailHub) unsubscribe(sub *tailSubscriber) {
	value, ok := h.rooms.Load(sub.sessionID)
	if !ok {
		return
	}
	room := value.(*tailRoom)
	room.mu.Lock()
	defer room.mu.Unlock()
	h.removeLocked(room, sub)
}

func (h *tailHub) removeLocked(room *tailRoom, sub *tailSubscriber) {
	if _, ok := room.subs[sub]; !ok {
		return
	}
	delete(room.subs, sub)
	close(sub.commits)
	if len(room.subs) == 0 && !room.closed {
		room.closed = true
		h.rooms.CompareAndDelete(sub.sessionID, room)
	}
}

// Deliver implements stream.Sink.
func (h *tailHub) Deliver(commit storage.Commit) {
	value, ok := h.rooms.Load(commit.SessionID)
	if !ok {
		return
	}
	room := value.(*tailRoom)
	room.mu.Lock()
	defer room.mu.Unlock()
	for sub := range room.subs {
		select {
		case sub.commits <- commit:
		default:
			h.removeLocked(room, sub)
		}
	}
}

// shutdown tells every live tail to close. Safe to call more than once.
func (h *tailHub) shutdown() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *tailHub) count(sessionID string) int {
	value, ok := h.rooms.Load(sessionID)
	if !ok {
		return 0
	}
	room := value.(*tailRoom)
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.subs)
}

type tailPeer struct {
	conn    *websocket.Conn
	encoder *json.Encoder
}

func (p *tailPeer) write(frame tailFrame) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
	return p.encoder.Encode(frame)
}

func (p *tailPeer) writeEvent(evt domain.Event) error {
	out := wire.FromEvent(evt)
	return p.write(tailFrame{Type: frameEvent, Event: &out})
}

func (p *tailPeer) writeError(err error) {
	_, body := errorResponse(err)
	_ = p.write(tailFrame{Type: frameError, Error: &body})
}

// tail upgrades to a WebSocket that replays the log after ?after= and then
// streams new commits as they become durable.
func (h *handler) tail(w http.ResponseWriter, r *http.Request) {
	after, err := parseOffset(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := h.registry.Lookup(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Release()

	websocket.Handler(func(conn *websocket.Conn) {
		h.serveTail(conn, sess.ID(), after)
	}).ServeHTTP(w, r)
}

func (h *handler) serveTail(conn *websocket.Conn, sessionID string, after uint64) {
	defer func() {
		_ = conn.Close()
	}()

	// Subscribe before replaying so no commit falls between the two.
	sub := h.tails.subscribe(sessionID)
	defer h.tails.unsubscribe(sub)

	ctx, cancel := context.WithCancel(conn.Request().Context())
	defer cancel()
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		cancel()
	}()

	peer := &tailPeer{conn: conn, encoder: json.NewEncoder(conn)}
	last := after
	for {
		page, err := h.service.Events(ctx, sessionID, last, tailReplayPage)
		if err != nil {
			peer.writeError(err)
			return
		}
		for _, evt := range page {
			if err := peer.writeEvent(evt); err != nil {
				return
			}
			last = evt.Metadata().Offset
		}
		if len(page) < tailReplayPage {
			break
		}
	}
	if err := peer.write(tailFrame{Type: frameLive, Offset: last}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.tails.done:
			peer.writeError(apperrors.New(apperrors.CodeRegistryClosed, "server is shutting down; reconnect with after"))
			return
		case commit, ok := <-sub.commits:
			if !ok {
				peer.writeError(apperrors.WithMetadata(apperrors.CodeSubscriberLagging, "subscriber fell behind; reconnect with after", map[string]string{
					apperrors.MetaSessionID: sessionID,
					"after":                 strconv.FormatUint(last, 10),
				}))
				return
			}
			for _, evt := range commit.Events {
				offset := evt.Metadata().Offset
				if offset <= last {
					continue
				}
				if err := peer.writeEvent(evt); err != nil {
					return
				}
				last = offset
			}
		}
	}
}
