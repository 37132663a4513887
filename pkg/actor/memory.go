// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the in-memory backend sweeps expired
// records.
const DefaultSweepInterval = 30 * time.Second

// MemoryBackend is an in-process Backend suitable for development, tests and
// single-instance deployments. Expired records become unreadable at their
// expiry and are physically removed by a periodic sweep.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]Record

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// MemoryBackendOption configures a MemoryBackend.
type MemoryBackendOption func(*MemoryBackend)

// WithSweepInterval sets a custom sweep interval.
func WithSweepInterval(interval time.Duration) MemoryBackendOption {
	return func(b *MemoryBackend) {
		b.sweepInterval = interval
	}
}

// NewMemoryBackend creates an in-memory backend and starts its sweep loop.
func NewMemoryBackend(opts ...MemoryBackendOption) *MemoryBackend {
	b := &MemoryBackend{
		records:       make(map[string]Record),
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.sweepLoop()
	return b
}

// Close stops the sweep loop and waits for it to finish.
func (b *MemoryBackend) Close() error {
	close(b.stopSweep)
	<-b.sweepDone
	return nil
}

func (b *MemoryBackend) sweepLoop() {
	defer close(b.sweepDone)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopSweep:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

// sweepExpired batch-deletes expired records. Keys are collected under a read
// lock first so the write lock is held only for the deletes.
func (b *MemoryBackend) sweepExpired() {
	now := time.Now()

	b.mu.RLock()
	var expired []string
	for k, rec := range b.records {
		if rec.Expired(now) {
			expired = append(expired, k)
		}
	}
	b.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range expired {
		// Re-check: the record may have been replaced since collection.
		if rec, ok := b.records[k]; ok && rec.Expired(now) {
			delete(b.records, k)
		}
	}
}

// Put stores value under key with the given TTL.
func (b *MemoryBackend) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[key] = Record{Value: bytes.Clone(value), ExpiresAt: expiresAt}
	return nil
}

// Get returns the value under key, or ErrNotFound if absent or expired.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec, ok := b.records[key]
	if !ok || rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return bytes.Clone(rec.Value), nil
}

// Delete removes the key.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

// CompareAndSet replaces the value under key only if the current value equals
// expected. An expected of nil asserts the key is absent.
func (b *MemoryBackend) CompareAndSet(_ context.Context, key string, expected, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.records[key]
	current := rec.Value
	if !ok || rec.Expired(time.Now()) {
		current = nil
	}

	if expected == nil {
		if current != nil {
			return ErrConflict
		}
	} else if !bytes.Equal(current, expected) {
		return ErrConflict
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	b.records[key] = Record{Value: bytes.Clone(value), ExpiresAt: expiresAt}
	return nil
}

// Len returns the number of live (unexpired) records. Useful for tests.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, rec := range b.records {
		if !rec.Expired(now) {
			n++
		}
	}
	return n
}

var _ Backend = (*MemoryBackend)(nil)
