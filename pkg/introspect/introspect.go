// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package introspect serves token introspection (RFC 7662) over the issued
// token registry, with a bounded cache of active results. Only active=true
// responses are cached; revocations always go to the registry and drop the
// cache entry, so a revoked token never outlives the cache TTL.
package introspect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/config"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/token"
)

// cacheCapacity bounds the active-result cache.
const cacheCapacity = 10000

// Response is the introspection payload. Inactive tokens carry only
// active=false (RFC 7662 section 2.2).
type Response struct {
	Active bool `json:"active"`

	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	JTI       string `json:"jti,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`

	Cnf map[string]string `json:"cnf,omitempty"`
}

// RecordSource is the registry surface introspection needs.
type RecordSource interface {
	Get(ctx context.Context, tenant, jti string) (*token.Record, error)
	Revoke(ctx context.Context, tenant, jti string) error
	RevokeFamily(ctx context.Context, tenant, family string) error
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// Service answers introspection and revocation requests.
type Service struct {
	issuer  string
	ring    *keyring.Ring
	records RecordSource
	cfg     *config.Resolver

	mu    sync.Mutex
	cache *actor.LRU[string, cacheEntry]
}

// NewService creates a Service.
func NewService(issuer string, ring *keyring.Ring, records RecordSource, cfg *config.Resolver) *Service {
	return &Service{
		issuer:  issuer,
		ring:    ring,
		records: records,
		cfg:     cfg,
		cache:   actor.NewLRU[string, cacheEntry](cacheCapacity),
	}
}

// cacheKey hashes the jti so token identifiers never sit in memory as map
// keys of a long-lived structure.
func cacheKey(tenant, jti string) string {
	sum := sha256.Sum256([]byte(tenant + ":" + jti))
	return hex.EncodeToString(sum[:])
}

// resolveJTI maps the presented token value to a registry jti. Opaque
// refresh tokens are their own jti; JWTs carry theirs as a claim. A token
// that fails signature verification resolves to nothing.
func (s *Service) resolveJTI(ctx context.Context, tokenValue string) string {
	if !strings.Contains(tokenValue, ".") {
		return tokenValue
	}
	claims, err := s.ring.Verify(ctx, tokenValue, s.issuer, "", nil)
	if err != nil {
		return ""
	}
	jti, _ := claims["jti"].(string)
	return jti
}

// Introspect reports whether the token is active, serving cached active
// results within the configured TTL.
func (s *Service) Introspect(ctx context.Context, tenant, tokenValue string) (*Response, error) {
	inactive := &Response{Active: false}

	jti := s.resolveJTI(ctx, tokenValue)
	if jti == "" {
		return inactive, nil
	}

	enabled, err := s.cfg.IntrospectionCacheEnabled(ctx)
	if err != nil {
		return nil, err
	}
	key := cacheKey(tenant, jti)

	if enabled {
		s.mu.Lock()
		entry, ok := s.cache.Get(key)
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			resp := entry.response
			return &resp, nil
		}
	}

	rec, err := s.records.Get(ctx, tenant, jti)
	if err != nil {
		if errors.Is(err, token.ErrRecordNotFound) {
			return inactive, nil
		}
		return nil, err
	}
	if !rec.Active() {
		return inactive, nil
	}

	resp := Response{
		Active:    true,
		Scope:     strings.Join(rec.Scopes, " "),
		ClientID:  rec.ClientID,
		Subject:   rec.Subject,
		TokenType: string(rec.Kind),
		Issuer:    s.issuer,
		JTI:       rec.JTI,
		Exp:       rec.ExpiresAt.Unix(),
		Iat:       rec.IssuedAt.Unix(),
	}
	if rec.CNFJKT != "" {
		resp.Cnf = map[string]string{"jkt": rec.CNFJKT}
	}

	if enabled {
		ttl, err := s.cfg.IntrospectionCacheTTL(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache.Put(key, cacheEntry{response: resp, expiresAt: time.Now().Add(ttl)})
		s.mu.Unlock()
	}

	out := resp
	return &out, nil
}

// Revoke revokes the token in the registry, never consulting the cache, and
// drops any cached active entry so the next introspection sees the
// revocation immediately. Refresh tokens take their family with them.
func (s *Service) Revoke(ctx context.Context, tenant, tokenValue string) error {
	jti := s.resolveJTI(ctx, tokenValue)
	if jti == "" {
		return nil
	}

	rec, err := s.records.Get(ctx, tenant, jti)
	if err != nil {
		if errors.Is(err, token.ErrRecordNotFound) {
			return nil
		}
		return err
	}

	if rec.Kind == token.KindRefresh && rec.FamilyID != "" {
		err = s.records.RevokeFamily(ctx, tenant, rec.FamilyID)
	} else {
		err = s.records.Revoke(ctx, tenant, jti)
	}
	if err != nil {
		return err
	}

	s.dropCached(tenant, jti)
	return nil
}

func (s *Service) dropCached(tenant, jti string) {
	key := cacheKey(tenant, jti)
	s.mu.Lock()
	s.cache.Delete(key)
	s.mu.Unlock()
}
