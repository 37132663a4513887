// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

const (
	// DefaultMemoryTTL bounds staleness of the in-process cache layer.
	DefaultMemoryTTL = 30 * time.Second

	// DefaultKVTTL is the lifetime of entries in the shared KV layer.
	DefaultKVTTL = 5 * time.Minute

	kvClientPrefix = "client:"
)

type memClientEntry struct {
	client    *Client
	fetchedAt time.Time
}

// Registry is the read-through client store: in-process cache, then the
// shared KV store, then the authoritative source. Concurrent misses for the
// same client collapse into a single source query.
type Registry struct {
	source    Source
	kv        actor.Backend
	memoryTTL time.Duration
	kvTTL     time.Duration

	group singleflight.Group

	mu     sync.RWMutex
	memory map[string]memClientEntry
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithMemoryTTL overrides DefaultMemoryTTL.
func WithMemoryTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.memoryTTL = ttl }
}

// WithKVTTL overrides DefaultKVTTL.
func WithKVTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) { r.kvTTL = ttl }
}

// NewRegistry creates a Registry over the given source and KV backend.
func NewRegistry(source Source, kv actor.Backend, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:    source,
		kv:        kv,
		memoryTTL: DefaultMemoryTTL,
		kvTTL:     DefaultKVTTL,
		memory:    make(map[string]memClientEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the client metadata, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, tenant, clientID string) (*Client, error) {
	key := sourceKey(tenant, clientID)
	now := time.Now()

	r.mu.RLock()
	entry, ok := r.memory[key]
	r.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < r.memoryTTL {
		return entry.client, nil
	}

	result, err, _ := r.group.Do(key, func() (any, error) {
		return r.load(ctx, tenant, clientID)
	})
	if err != nil {
		return nil, err
	}

	c := result.(*Client)
	r.mu.Lock()
	r.memory[key] = memClientEntry{client: c, fetchedAt: now}
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) load(ctx context.Context, tenant, clientID string) (*Client, error) {
	kvKey := kvClientPrefix + sourceKey(tenant, clientID)

	raw, err := r.kv.Get(ctx, kvKey)
	switch {
	case err == nil:
		c := &Client{}
		if jsonErr := json.Unmarshal(raw, c); jsonErr == nil {
			return c, nil
		}
		// A corrupt KV entry falls through to the source.
		logger.Warnw("discarding undecodable client cache entry", "key", kvKey)
	case !errors.Is(err, actor.ErrNotFound):
		// KV outage: serve from the source directly.
		logger.Errorw("client KV read failed", "key", kvKey, "error", err)
	}

	c, err := r.source.Get(ctx, tenant, clientID)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(c); jsonErr == nil {
		if putErr := r.kv.Put(ctx, kvKey, encoded, r.kvTTL); putErr != nil {
			logger.Warnw("client KV write failed", "key", kvKey, "error", putErr)
		}
	}
	return c, nil
}

// Save writes the client to the source and invalidates every cache layer.
func (r *Registry) Save(ctx context.Context, c *Client) error {
	if c.ID == "" {
		return errors.New("client: missing client_id")
	}
	if err := r.source.Put(ctx, c); err != nil {
		return fmt.Errorf("failed to store client %s: %w", c.ID, err)
	}
	return r.Invalidate(ctx, c.Tenant, c.ID)
}

// Delete removes the client from the source and invalidates the caches.
func (r *Registry) Delete(ctx context.Context, tenant, clientID string) error {
	if err := r.source.Delete(ctx, tenant, clientID); err != nil {
		return fmt.Errorf("failed to delete client %s: %w", clientID, err)
	}
	return r.Invalidate(ctx, tenant, clientID)
}

// Invalidate drops the client from the in-process and KV cache layers.
func (r *Registry) Invalidate(ctx context.Context, tenant, clientID string) error {
	key := sourceKey(tenant, clientID)

	r.mu.Lock()
	delete(r.memory, key)
	r.mu.Unlock()

	if err := r.kv.Delete(ctx, kvClientPrefix+key); err != nil {
		return fmt.Errorf("failed to invalidate client %s: %w", clientID, err)
	}
	return nil
}
