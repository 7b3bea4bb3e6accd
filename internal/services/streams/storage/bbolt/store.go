// Package bbolt provides a BoltDB-backed session event log.
//
// Each session owns a nested bucket keyed by big-endian offset; values are
// CBOR records compressed with zstd. The bolt transaction id of an append is
// the commit's visibility marker.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/sessionstream/internal/platform/codec"
	"github.com/louisbranch/sessionstream/internal/services/streams/domain"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage/integrity"
	"go.etcd.io/bbolt"
)

const sessionsBucket = "sessions"

// Store provides a BoltDB-backed event log.
type Store struct {
	db *bbolt.DB
}

// Open opens a BoltDB-backed store at the provided path.
func Open(path string, timeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append atomically persists one commit of events.
func (s *Store) Append(ctx context.Context, sessionID string, events []domain.Event, marker string) (storage.Commit, error) {
	if err := ctx.Err(); err != nil {
		return storage.Commit{}, err
	}
	if s == nil || s.db == nil {
		return storage.Commit{}, fmt.Errorf("storage is not configured")
	}
	if err := storage.ValidateAppend(sessionID, events); err != nil {
		return storage.Commit{}, err
	}

	var records []storage.EventRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(sessionsBucket))
		if root == nil {
			return fmt.Errorf("sessions bucket is missing")
		}
		bucket, err := root.CreateBucketIfNotExists([]byte(sessionID))
		if err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}

		var lastOffset uint64
		prevHash := ""
		if key, value := bucket.Cursor().Last(); key != nil {
			var last storage.EventRecord
			if err := codec.UnmarshalCompressed(value, &last); err != nil {
				return fmt.Errorf("decode previous event: %w", err)
			}
			lastOffset = last.Offset
			prevHash = last.Hash
		}
		if err := storage.CheckNext(lastOffset, events[0].Metadata().Offset); err != nil {
			return err
		}

		if marker == "" {
			marker = strconv.Itoa(tx.ID())
		}
		records = make([]storage.EventRecord, 0, len(events))
		for i, evt := range events {
			rec, err := storage.ToRecord(evt, marker)
			if err != nil {
				return fmt.Errorf("event %d: %w", i, err)
			}
			records = append(records, rec)
		}
		if _, err := integrity.Seal(records, prevHash); err != nil {
			return fmt.Errorf("seal commit: %w", err)
		}

		for i, rec := range records {
			value, err := codec.MarshalCompressed(rec)
			if err != nil {
				return fmt.Errorf("encode event %d: %w", i, err)
			}
			if err := bucket.Put(offsetKey(rec.Offset), value); err != nil {
				return fmt.Errorf("put event %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return storage.Commit{}, err
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
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var records []storage.EventRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(sessionsBucket))
		if root == nil {
			return fmt.Errorf("sessions bucket is missing")
		}
		bucket := root.Bucket([]byte(sessionID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Seek(offsetKey(afterOffset + 1)); key != nil; key, value = cursor.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec storage.EventRecord
			if err := codec.UnmarshalCompressed(value, &rec); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(key), err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListSessions summarizes every session bucket.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	var summaries []storage.SessionSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(sessionsBucket))
		if root == nil {
			return fmt.Errorf("sessions bucket is missing")
		}
		// Bucket keys iterate in byte order, so summaries come out sorted.
		return root.ForEachBucket(func(name []byte) error {
			key, value := root.Bucket(name).Cursor().Last()
			if key == nil {
				return nil
			}
			var last storage.EventRecord
			if err := codec.UnmarshalCompressed(value, &last); err != nil {
				return fmt.Errorf("decode last event of %s: %w", name, err)
			}
			summaries = append(summaries, storage.SessionSummary{
				SessionID:  string(bytes.Clone(name)),
				LastOffset: last.Offset,
				LastMarker: last.Marker,
				UpdatedAt:  last.At,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		if err != nil {
			return fmt.Errorf("create sessions bucket: %w", err)
		}
		return nil
	})
}

func offsetKey(offset uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, offset)
	return key
}
