// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"sync"
)

// Source is the authoritative client store, typically a database behind an
// adapter. The registry layers its caches on top of this.
type Source interface {
	// Get returns the client, or ErrNotFound.
	Get(ctx context.Context, tenant, clientID string) (*Client, error)

	// Put creates or replaces the client record.
	Put(ctx context.Context, c *Client) error

	// Delete removes the client. Deleting an absent client is not an error.
	Delete(ctx context.Context, tenant, clientID string) error
}

// MemorySource is an in-memory Source for development and tests.
type MemorySource struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{clients: make(map[string]*Client)}
}

var _ Source = (*MemorySource)(nil)

func sourceKey(tenant, clientID string) string {
	return tenant + "/" + clientID
}

// Get implements Source.
func (s *MemorySource) Get(_ context.Context, tenant, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[sourceKey(tenant, clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *c
	return &copied, nil
}

// Put implements Source.
func (s *MemorySource) Put(_ context.Context, c *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.clients[sourceKey(c.Tenant, c.ID)] = &copied
	return nil
}

// Delete implements Source.
func (s *MemorySource) Delete(_ context.Context, tenant, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, sourceKey(tenant, clientID))
	return nil
}
