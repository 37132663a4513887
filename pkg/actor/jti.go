// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"time"
)

// ErrJTIReplayed is returned when a jti is recorded a second time within
// its window.
var ErrJTIReplayed = errors.New("actor: jti already recorded")

// JTIStore records one-time token identifiers (DPoP proof jtis, client
// assertion jtis) in the shared backend. The compare-and-set insert makes
// replay detection safe across instances.
type JTIStore struct {
	backend Backend
	prefix  string
}

// NewJTIStore creates a JTIStore. The prefix namespaces its keys, e.g.
// "dpop-jti" or "assertion-jti".
func NewJTIStore(backend Backend, prefix string) *JTIStore {
	return &JTIStore{backend: backend, prefix: prefix}
}

// CheckAndStore records (scope, jti), failing with ErrJTIReplayed when the
// pair was already seen within the TTL window.
func (s *JTIStore) CheckAndStore(ctx context.Context, scope, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := s.prefix + ":" + scope + ":" + jti
	err := s.backend.CompareAndSet(ctx, key, nil, []byte("1"), ttl)
	if errors.Is(err, ErrConflict) {
		return ErrJTIReplayed
	}
	return err
}
