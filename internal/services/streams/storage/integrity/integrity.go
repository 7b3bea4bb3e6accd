// Package integrity chains stored session events into a tamper-evident log.
//
// Each record's hash is a BLAKE3 keyed hash of its canonical CBOR encoding
// together with the previous record's hash, so rewriting any stored event
// breaks every hash after it.
package integrity

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/louisbranch/sessionstream/internal/platform/codec"
	"github.com/louisbranch/sessionstream/internal/services/streams/storage"
	"github.com/zeebo/blake3"
)

// chainDomainKey separates event chain hashes from any other BLAKE3 use.
// Changing it invalidates every stored chain.
var chainDomainKey = [32]byte{
	's', 'e', 's', 's', 'i', 'o', 'n', 's', 't', 'r', 'e', 'a', 'm', '.', 'e', 'v',
	'e', 'n', 't', '.', 'c', 'h', 'a', 'i', 'n', 0, 0, 0, 0, 0, 0, 0,
}

// hashInput is the canonical envelope hashed for one record. Field keys are
// fixed integers so renaming Go fields never changes stored hashes.
type hashInput struct {
	PrevHash   string    `cbor:"0,keyasint"`
	SessionID  string    `cbor:"1,keyasint"`
	Offset     uint64    `cbor:"2,keyasint"`
	Kind       string    `cbor:"3,keyasint"`
	MessageID  string    `cbor:"4,keyasint"`
	ActorID    string    `cbor:"5,keyasint"`
	Role       string    `cbor:"6,keyasint"`
	Sequence   uint64    `cbor:"7,keyasint"`
	ApprovalID string    `cbor:"8,keyasint"`
	Approved   bool      `cbor:"9,keyasint"`
	Boundary   string    `cbor:"10,keyasint"`
	Payload    []byte    `cbor:"11,keyasint"`
	Marker     string    `cbor:"12,keyasint"`
	At         time.Time `cbor:"13,keyasint"`
}

// ChainHash computes the hash linking rec to prevHash.
func ChainHash(rec storage.EventRecord, prevHash string) (string, error) {
	encoded, err := codec.Marshal(hashInput{
		PrevHash:   prevHash,
		SessionID:  rec.SessionID,
		Offset:     rec.Offset,
		Kind:       rec.Kind,
		MessageID:  rec.MessageID,
		ActorID:    rec.ActorID,
		Role:       rec.Role,
		Sequence:   rec.Sequence,
		ApprovalID: rec.ApprovalID,
		Approved:   rec.Approved,
		Boundary:   rec.Boundary,
		Payload:    nilIfEmpty(rec.Payload),
		Marker:     rec.Marker,
		At:         rec.At.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}
	hasher, err := blake3.NewKeyed(chainDomainKey[:])
	if err != nil {
		panic("integrity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// nilIfEmpty keeps an empty payload hashing the same whether a backend reads
// it back as nil or as a zero-length slice.
func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Seal sets PrevHash and Hash on records in order, starting from prevHash,
// and returns the hash of the last record.
func Seal(records []storage.EventRecord, prevHash string) (string, error) {
	for i := range records {
		hash, err := ChainHash(records[i], prevHash)
		if err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
		records[i].PrevHash = prevHash
		records[i].Hash = hash
		prevHash = hash
	}
	return prevHash, nil
}

// Verifier checks a session's records page by page.
type Verifier struct {
	prevHash   string
	lastOffset uint64
}

// Next checks the following page of records and remembers where it ended.
func (v *Verifier) Next(records []storage.EventRecord) error {
	for _, rec := range records {
		if rec.Offset != v.lastOffset+1 {
			return fmt.Errorf("offset gap session_id=%s offset=%d after=%d", rec.SessionID, rec.Offset, v.lastOffset)
		}
		if rec.PrevHash != v.prevHash {
			return fmt.Errorf("prev hash mismatch session_id=%s offset=%d", rec.SessionID, rec.Offset)
		}
		hash, err := ChainHash(rec, v.prevHash)
		if err != nil {
			return fmt.Errorf("compute chain hash session_id=%s offset=%d: %w", rec.SessionID, rec.Offset, err)
		}
		if hash != rec.Hash {
			return fmt.Errorf("chain hash mismatch session_id=%s offset=%d", rec.SessionID, rec.Offset)
		}
		v.prevHash = rec.Hash
		v.lastOffset = rec.Offset
	}
	return nil
}

// LastOffset returns the last verified offset.
func (v *Verifier) LastOffset() uint64 { return v.lastOffset }

// Verify checks a complete session chain.
func Verify(records []storage.EventRecord) error {
	var v Verifier
	return v.Next(records)
}
