// Package sqlite provides the SQLite-backed session event log.
//
// Every Append inserts one row into commits; its autoincrement id is the
// commit's visibility marker unless the caller supplies one.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/sessionstream/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/sqlite/migrations"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store provides SQLite-backed persistence for session event logs.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens an event log SQLite store at the provided path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	// _txlock=immediate takes the write lock at BEGIN so concurrent appends
	// wait on busy_timeout instead of failing on a read-to-write upgrade.
	dsn := cleanPath + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(ctx, sqlDB, migrations.EventsFS, "events"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Append atomically persists one commit of events.
func (s *Store) Append(ctx context.Context, sessionID string, events []domain.Event, marker string) (storage.Commit, error) {
	if err := ctx.Err(); err != nil {
		return storage.Commit{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Commit{}, fmt.Errorf("storage is not configured")
	}
	if err := storage.ValidateAppend(sessionID, events); err != nil {
		return storage.Commit{}, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Commit{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastOffset uint64
	prevHash := ""
	row := tx.QueryRowContext(ctx,
		"SELECT log_offset, event_hash FROM session_events WHERE session_id = ? ORDER BY log_offset DESC LIMIT 1",
		sessionID,
	)
	if err := row.Scan(&lastOffset, &prevHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.Commit{}, fmt.Errorf("load previous event: %w", err)
	}
	if err := storage.CheckNext(lastOffset, events[0].Metadata().Offset); err != nil {
		return storage.Commit{}, err
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO commits (session_id, created_at) VALUES (?, ?)",
		sessionID, toMillis(time.Now()),
	)
	if err != nil {
		return storage.Commit{}, fmt.Errorf("insert commit: %w", err)
	}
	commitID, err := result.LastInsertId()
	if err != nil {
		return storage.Commit{}, fmt.Errorf("read commit id: %w", err)
	}
	if marker == "" {
		marker = strconv.FormatInt(commitID, 10)
	}

	records := make([]storage.EventRecord, 0, len(events))
	for i, evt := range events {
		rec, err := storage.ToRecord(evt, marker)
		if err != nil {
			return storage.Commit{}, fmt.Errorf("event %d: %w", i, err)
		}
		records = append(records, rec)
	}
	if _, err := integrity.Seal(records, prevHash); err != nil {
		return storage.Commit{}, fmt.Errorf("seal commit: %w", err)
	}

	for i, rec := range records {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_events (
    session_id, log_offset, commit_id, kind, message_id, actor_id, role, chunk_seq,
    approval_id, approved, boundary, payload, marker, created_at, event_hash, prev_hash
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SessionID, int64(rec.Offset), commitID, rec.Kind, rec.MessageID, rec.ActorID, rec.Role, int64(rec.Sequence),
			rec.ApprovalID, boolToInt(rec.Approved), rec.Boundary, rec.Payload, rec.Marker, toMillis(rec.At), rec.Hash, rec.PrevHash,
		); err != nil {
			if isConstraintError(err) {
				return storage.Commit{}, fmt.Errorf("append event %d: %w", i, storage.ErrConflict)
			}
			return storage.Commit{}, fmt.Errorf("append event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.Commit{}, fmt.Errorf("commit: %w", err)
	}

	stamped, err := storage.RecordsToEvents(records)
	if err != nil {
		return storage.Commit{}, err
	}
	return storage.Commit{SessionID: sessionID, Marker: marker, Events: stamped}, nil
}

// ListEvents returns events after afterOffset in offset order.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]domain.Event, error) {
	records, err := s.ListRecords(ctx, sessionID, afterOffset, limit)
	if err != nil {
		return nil, err
	}
	return storage.RecordsToEvents(records)
}

// ListRecords returns stored records, chain hashes included.
func (s *Store) ListRecords(ctx context.Context, sessionID string, afterOffset uint64, limit int) ([]storage.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, log_offset, kind, message_id, actor_id, role, chunk_seq,
       approval_id, approved, boundary, payload, marker, created_at, event_hash, prev_hash
FROM session_events
WHERE session_id = ? AND log_offset > ?
ORDER BY log_offset
LIMIT ?`,
		sessionID, int64(afterOffset), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var records []storage.EventRecord
	for rows.Next() {
		var (
			rec       storage.EventRecord
			offset    int64
			sequence  int64
			approved  int64
			createdAt int64
		)
		if err := rows.Scan(
			&rec.SessionID, &offset, &rec.Kind, &rec.MessageID, &rec.ActorID, &rec.Role, &sequence,
			&rec.ApprovalID, &approved, &rec.Boundary, &rec.Payload, &rec.Marker, &createdAt, &rec.Hash, &rec.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Offset = uint64(offset)
		rec.Sequence = uint64(sequence)
		rec.Approved = approved != 0
		rec.At = fromMillis(createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// ListSessions summarizes every session with at least one event.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT e.session_id, e.log_offset, e.marker, e.created_at
FROM session_events e
JOIN (
    SELECT session_id, MAX(log_offset) AS last_offset
    FROM session_events
    GROUP BY session_id
) l ON e.session_id = l.session_id AND e.log_offset = l.last_offset
ORDER BY e.session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []storage.SessionSummary
	for rows.Next() {
		var (
			summary   storage.SessionSummary
			offset    int64
			createdAt int64
		)
		if err := rows.Scan(&summary.SessionID, &offset, &summary.LastMarker, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		summary.LastOffset = uint64(offset)
		summary.UpdatedAt = fromMillis(createdAt)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return summaries, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
