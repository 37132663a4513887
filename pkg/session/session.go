// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package session stores browser sessions. A session is shared across
// clients of the same tenant; the authorization endpoint consults it for
// silent authentication (prompt=none).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

// Session errors.
var (
	// ErrNotFound is returned for absent, expired or revoked sessions.
	ErrNotFound = errors.New("session: not found")

	// ErrLoginRequired means no session can satisfy the request and the user
	// must authenticate.
	ErrLoginRequired = errors.New("session: login required")

	// ErrInteractionRequired means a session exists but does not satisfy the
	// requested acr_values without further interaction.
	ErrInteractionRequired = errors.New("session: interaction required")
)

// Session is an authenticated browser session.
type Session struct {
	ID     string `json:"sid"`
	Tenant string `json:"tenant"`
	UserID string `json:"user_id"`

	// AuthTime is when the user last actively authenticated. Silent
	// authentication does not move it.
	AuthTime time.Time `json:"auth_time"`

	ACR string   `json:"acr,omitempty"`
	AMR []string `json:"amr,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store persists sessions through the actor system, so revocation and reads
// of one sid are totally ordered.
type Store struct {
	system *actor.System
	router *actor.Router
}

// NewStore creates a session store.
func NewStore(system *actor.System, router *actor.Router) *Store {
	return &Store{system: system, router: router}
}

func sessionKey(tenant, sid string) string {
	return "session:" + tenant + ":" + sid
}

// CreateOption customizes a new session.
type CreateOption func(*Session)

// WithACR records the authentication context class of the login.
func WithACR(acr string) CreateOption {
	return func(s *Session) { s.ACR = acr }
}

// WithAMR records the authentication methods used.
func WithAMR(amr ...string) CreateOption {
	return func(s *Session) { s.AMR = amr }
}

// WithMetadata attaches opaque metadata to the session.
func WithMetadata(metadata map[string]string) CreateOption {
	return func(s *Session) { s.Metadata = metadata }
}

// Create mints a session for an authenticated user.
func (s *Store) Create(ctx context.Context, tenant, userID string, ttl time.Duration, opts ...CreateOption) (*Session, error) {
	now := time.Now()
	session := &Session{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		UserID:    userID,
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	for _, opt := range opts {
		opt(session)
	}

	encoded, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}

	identity := s.router.RouteFor(tenant, session.ID)
	_, err = s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, actor.StorageErr(store.Put(ctx, sessionKey(tenant, session.ID), encoded, ttl))
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns the session, or ErrNotFound.
func (s *Store) Get(ctx context.Context, tenant, sid string) (*Session, error) {
	identity := s.router.RouteFor(tenant, sid)
	result, err := s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return loadSession(ctx, store, tenant, sid)
	})
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return result.(*Session), nil
}

// Revoke removes the session. Revoking an absent session is not an error.
func (s *Store) Revoke(ctx context.Context, tenant, sid string) error {
	identity := s.router.RouteFor(tenant, sid)
	_, err := s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, actor.StorageErr(store.Delete(ctx, sessionKey(tenant, sid)))
	})
	return err
}

// SilentAuth serves prompt=none: it returns the session when it satisfies
// the max_age and acr_values constraints. A maxAge below zero means the
// client imposed no max_age. Absent or too-old sessions fail with
// ErrLoginRequired; an acr mismatch fails with ErrInteractionRequired.
func (s *Store) SilentAuth(ctx context.Context, tenant, sid string, maxAge time.Duration, acrValues []string) (*Session, error) {
	if sid == "" {
		return nil, ErrLoginRequired
	}

	session, err := s.Get(ctx, tenant, sid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrLoginRequired
		}
		return nil, err
	}

	if maxAge >= 0 && time.Since(session.AuthTime) > maxAge {
		return nil, ErrLoginRequired
	}

	if len(acrValues) > 0 && !slices.Contains(acrValues, session.ACR) {
		return nil, ErrInteractionRequired
	}

	return session, nil
}

func loadSession(ctx context.Context, store actor.Backend, tenant, sid string) (*Session, error) {
	raw, err := store.Get(ctx, sessionKey(tenant, sid))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, err
		}
		return nil, actor.StorageErr(err)
	}
	session := &Session{}
	if err := json.Unmarshal(raw, session); err != nil {
		return nil, actor.StorageErr(err)
	}
	return session, nil
}
