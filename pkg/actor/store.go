// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"time"
)

// Storage errors. Domain packages wrap these with protocol-level errors.
var (
	// ErrNotFound is returned when a key does not exist or its record has
	// passed its expiry, whether or not it has been physically swept.
	ErrNotFound = errors.New("actor: record not found")

	// ErrConflict is returned by CompareAndSet when the current value does
	// not match the expected value.
	ErrConflict = errors.New("actor: compare-and-set conflict")
)

// Record is a stored value with its absolute expiry. A zero ExpiresAt means
// the record does not expire.
type Record struct {
	Value     []byte    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at the given instant.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Backend is the persistence layer underneath an actor system. Backends are
// safe for concurrent use; linearization per key is provided by the actor
// layer above, not by the backend.
type Backend interface {
	// Put stores value under key with the given TTL. A zero TTL stores the
	// record without expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the record value, or ErrNotFound if the key is absent or
	// the record has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSet replaces the value under key only if the current value
	// equals expected. An expected of nil asserts the key is absent.
	// Returns ErrConflict on mismatch.
	CompareAndSet(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error

	// Close releases backend resources.
	Close() error
}
