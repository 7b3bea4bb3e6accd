// Package postgres provides a PostgreSQL-backed session event log.
//
// The server transaction id (txid_current) of an append is the commit's
// visibility marker, which lets a logical replication consumer match
// commits it observes against markers returned to writers.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// Options configures Open.
type Options struct {
	DSN string
	// Schema holds the event table; defaults to public.
	Schema string
}

// Store provides PostgreSQL-backed persistence for session event logs.
type Store struct {
	sqlDB *sql.DB
	table string
}

// Open connects, verifies the connection and ensures the schema exists.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	schema := strings.TrimSpace(opts.Schema)
	if schema == "" {
		schema = "public"
	}

	sqlDB, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}

	store := &Store{
		sqlDB: sqlDB,
		table: pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier("session_events"),
	}
	if err := store.ensureSchema(ctx, schema); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ensureSchema(ctx context.Context, schema string) error {
	statements := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    session_id TEXT NOT NULL,
    log_offset BIGINT NOT NULL,
    kind TEXT NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    actor_id TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT '',
    chunk_seq BIGINT NOT NULL DEFAULT 0,
    approval_id TEXT NOT NULL DEFAULT '',
    approved BOOLEAN NOT NULL DEFAULT FALSE,
    boundary TEXT NOT NULL DEFAULT '',
    payload BYTEA,
    marker TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    event_hash TEXT NOT NULL,
    prev_hash TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, log_offset)
)`, s.table),
	}
	for _, stmt := range statements {
		if _, err := s.sqlDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
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

	var lastOffset int64
	prevHash := ""
	row := tx.QueryRowContext(ctx,
		"SELECT log_offset, event_hash FROM "+s.table+" WHERE session_id = $1 ORDER BY log_offset DESC LIMIT 1",
		sessionID,
	)
	if err := row.Scan(&lastOffset, &prevHash); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return storage.Commit{}, fmt.Errorf("load previous event: %w", err)
	}
	if err := storage.CheckNext(uint64(lastOffset), events[0].Metadata().Offset); err != nil {
		return storage.Commit{}, err
	}

	if marker == "" {
		var txid int64
		if err := tx.QueryRowContext(ctx, "SELECT txid_current()").Scan(&txid); err != nil {
			return storage.Commit{}, fmt.Errorf("read transaction id: %w", err)
		}
		marker = strconv.FormatInt(txid, 10)
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

	insert := `INSERT INTO ` + s.table + ` (
    session_id, log_offset, kind, message_id, actor_id, role, chunk_seq,
    approval_id, approved, boundary, payload, marker, created_at, event_hash, prev_hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	for i, rec := range records {
		if _, err := tx.ExecContext(ctx, insert,
			rec.SessionID, int64(rec.Offset), rec.Kind, rec.MessageID, rec.ActorID, rec.Role, int64(rec.Sequence),
			rec.ApprovalID, rec.Approved, rec.Boundary, rec.Payload, rec.Marker, rec.At.UnixMilli(), rec.Hash, rec.PrevHash,
		); err != nil {
			if isUniqueViolation(err) {
				return storage.Commit{}, fmt.Errorf("append event %d: %w", i, storage.ErrConflict)
			}
			return storage.Commit{}, fmt.Errorf("append event %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return storage.Commit{}, fmt.Errorf("commit: %w", storage.ErrConflict)
		}
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

	query := `SELECT session_id, log_offset, kind, message_id, actor_id, role, chunk_seq,
       approval_id, approved, boundary, payload, marker, created_at, event_hash, prev_hash
FROM ` + s.table + `
WHERE session_id = $1 AND log_offset > $2
ORDER BY log_offset`
	args := []any{sessionID, int64(afterOffset)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
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
			createdAt int64
		)
		if err := rows.Scan(
			&rec.SessionID, &offset, &rec.Kind, &rec.MessageID, &rec.ActorID, &rec.Role, &sequence,
			&rec.ApprovalID, &rec.Approved, &rec.Boundary, &rec.Payload, &rec.Marker, &createdAt, &rec.Hash, &rec.PrevHash,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Offset = uint64(offset)
		rec.Sequence = uint64(sequence)
		rec.At = time.UnixMilli(createdAt).UTC()
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

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT DISTINCT ON (session_id) session_id, log_offset, marker, created_at
FROM `+s.table+`
ORDER BY session_id, log_offset DESC`)
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
		summary.UpdatedAt = time.UnixMilli(createdAt).UTC()
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return summaries, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == uniqueViolation
}
