// Package id generates URL-safe identifiers for sessions, messages, and approvals.
//
// Identifiers are UUIDv4 bytes encoded as lowercase base32 (RFC 4648) with no
// padding: 26 characters, safe in URL paths and file names.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a random identifier.
func NewID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}

// WithPrefix returns a generator that prefixes ids, e.g. "msg_" for message ids.
func WithPrefix(prefix string, next func() (string, error)) func() (string, error) {
	if next == nil {
		next = NewID
	}
	return func() (string, error) {
		value, err := next()
		if err != nil {
			return "", err
		}
		return prefix + value, nil
	}
}
