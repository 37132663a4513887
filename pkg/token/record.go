// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// Kind of an issued token record.
type Kind string

// Record kinds.
const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

// Registry errors.
var (
	// ErrRecordNotFound means no record exists for the jti.
	ErrRecordNotFound = errors.New("token: record not found")

	// ErrRefreshReuse means a rotated or revoked refresh token was presented
	// again. The whole family has been purged by the time this is returned.
	ErrRefreshReuse = errors.New("token: refresh token reuse detected")

	// ErrRefreshExpired means the refresh token is past its lifetime.
	ErrRefreshExpired = errors.New("token: refresh token expired")
)

// Record is the server-side state of an issued token, keyed by jti. Access
// tokens are self-contained JWTs; the record exists for introspection and
// revocation. Refresh tokens are opaque and the record is authoritative.
type Record struct {
	JTI    string `json:"jti"`
	Kind   Kind   `json:"kind"`
	Tenant string `json:"tenant"`

	ClientID string   `json:"client_id"`
	Subject  string   `json:"sub"`
	UserID   string   `json:"user_id,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`

	// CNFJKT is the DPoP key thumbprint for sender-constrained tokens.
	CNFJKT string `json:"cnf_jkt,omitempty"`

	SID string `json:"sid,omitempty"`

	// FamilyID chains refresh tokens descended from the same initial grant.
	// ParentJTI is the refresh token this one rotated from.
	FamilyID  string `json:"family_id,omitempty"`
	ParentJTI string `json:"parent_jti,omitempty"`

	// Rotated marks a refresh token that was already exchanged. Presenting
	// it again is treated as compromise.
	Rotated bool `json:"rotated"`

	Revoked bool `json:"revoked"`

	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// Active reports whether the token is currently usable.
func (r *Record) Active() bool {
	return !r.Revoked && !r.Rotated && time.Now().Before(r.ExpiresAt)
}

// recordGrace keeps revoked and rotated records past the token lifetime so
// introspection and reuse detection still see them.
const recordGrace = 10 * time.Minute

// Registry stores issued token records. Refresh rotation and family purge
// run inside the family's actor, so concurrent redemptions of the same
// refresh token are linearized.
type Registry struct {
	system *actor.System
	router *actor.Router
}

// NewRegistry creates a Registry.
func NewRegistry(system *actor.System, router *actor.Router) *Registry {
	return &Registry{system: system, router: router}
}

func recordKey(tenant, jti string) string {
	return "token:" + tenant + ":" + jti
}

func familyKey(tenant, family string) string {
	return "token-family:" + tenant + ":" + family
}

func (r *Registry) recordIdentity(tenant, jti string) actor.Identity {
	return r.router.RouteFor(tenant, "token:"+jti)
}

func (r *Registry) familyIdentity(tenant, family string) actor.Identity {
	return r.router.RouteFor(tenant, "token-family:"+family)
}

// Save persists a record. Refresh records are also appended to their
// family index so a later purge can find every descendant.
func (r *Registry) Save(ctx context.Context, rec *Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode token record: %w", err)
	}
	ttl := time.Until(rec.ExpiresAt) + recordGrace
	if ttl <= 0 {
		return fmt.Errorf("token record already expired")
	}

	if rec.Kind == KindRefresh && rec.FamilyID != "" {
		_, err = r.system.Execute(ctx, r.familyIdentity(rec.Tenant, rec.FamilyID), func(ctx context.Context, store actor.Backend) (any, error) {
			members, err := loadFamily(ctx, store, rec.Tenant, rec.FamilyID)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(members, rec.JTI) {
				members = append(members, rec.JTI)
			}
			encodedMembers, err := json.Marshal(members)
			if err != nil {
				return nil, actor.StorageErr(err)
			}
			if err := store.Put(ctx, familyKey(rec.Tenant, rec.FamilyID), encodedMembers, ttl); err != nil {
				return nil, actor.StorageErr(err)
			}
			return nil, actor.StorageErr(store.Put(ctx, recordKey(rec.Tenant, rec.JTI), encoded, ttl))
		})
		return err
	}

	_, err = r.system.Execute(ctx, r.recordIdentity(rec.Tenant, rec.JTI), func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, actor.StorageErr(store.Put(ctx, recordKey(rec.Tenant, rec.JTI), encoded, ttl))
	})
	return err
}

// Get returns the record for a jti.
func (r *Registry) Get(ctx context.Context, tenant, jti string) (*Record, error) {
	result, err := r.system.Execute(ctx, r.recordIdentity(tenant, jti), func(ctx context.Context, store actor.Backend) (any, error) {
		return loadRecord(ctx, store, tenant, jti)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Record), nil
}

// Revoke marks the record revoked. Revoking an unknown jti is a no-op, so
// replay cleanup can revoke unconditionally.
func (r *Registry) Revoke(ctx context.Context, tenant, jti string) error {
	if jti == "" {
		return nil
	}
	_, err := r.system.Execute(ctx, r.recordIdentity(tenant, jti), func(ctx context.Context, store actor.Backend) (any, error) {
		rec, err := loadRecord(ctx, store, tenant, jti)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		rec.Revoked = true
		return nil, putRecord(ctx, store, rec)
	})
	return err
}

// RevokeFamily revokes every refresh token descended from the same grant.
func (r *Registry) RevokeFamily(ctx context.Context, tenant, family string) error {
	_, err := r.system.Execute(ctx, r.familyIdentity(tenant, family), func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, purgeFamily(ctx, store, tenant, family)
	})
	return err
}

// ConsumeRefresh redeems a refresh token for rotation. On success the record
// is marked rotated and returned; the caller issues the successor. Reuse of
// an already rotated or revoked token purges the entire family and returns
// ErrRefreshReuse.
func (r *Registry) ConsumeRefresh(ctx context.Context, tenant, jti string) (*Record, error) {
	// Resolve the family first so the mutation runs on the family's actor.
	peek, err := r.Get(ctx, tenant, jti)
	if err != nil {
		return nil, err
	}

	result, err := r.system.Execute(ctx, r.familyIdentity(tenant, peek.FamilyID), func(ctx context.Context, store actor.Backend) (any, error) {
		rec, err := loadRecord(ctx, store, tenant, jti)
		if err != nil {
			return nil, err
		}
		if rec.Kind != KindRefresh {
			return nil, ErrRecordNotFound
		}

		if rec.Rotated || rec.Revoked {
			logger.Warnw("refresh token reuse, purging family",
				"tenant", tenant,
				"client_id", rec.ClientID,
				"family_id", rec.FamilyID)
			if err := purgeFamily(ctx, store, tenant, rec.FamilyID); err != nil {
				return nil, err
			}
			return nil, ErrRefreshReuse
		}
		if time.Now().After(rec.ExpiresAt) {
			return nil, ErrRefreshExpired
		}

		rec.Rotated = true
		if err := putRecord(ctx, store, rec); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Record), nil
}

func purgeFamily(ctx context.Context, store actor.Backend, tenant, family string) error {
	members, err := loadFamily(ctx, store, tenant, family)
	if err != nil {
		return err
	}
	for _, jti := range members {
		rec, err := loadRecord(ctx, store, tenant, jti)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				continue
			}
			return err
		}
		rec.Revoked = true
		if err := putRecord(ctx, store, rec); err != nil {
			return err
		}
	}
	return nil
}

func loadRecord(ctx context.Context, store actor.Backend, tenant, jti string) (*Record, error) {
	raw, err := store.Get(ctx, recordKey(tenant, jti))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, actor.StorageErr(err)
	}
	rec := &Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, actor.StorageErr(err)
	}
	return rec, nil
}

func putRecord(ctx context.Context, store actor.Backend, rec *Record) error {
	encoded, err := json.Marshal(rec)
	if err != nil {
		return actor.StorageErr(err)
	}
	ttl := time.Until(rec.ExpiresAt) + recordGrace
	if ttl <= 0 {
		ttl = recordGrace
	}
	return actor.StorageErr(store.Put(ctx, recordKey(rec.Tenant, rec.JTI), encoded, ttl))
}

func loadFamily(ctx context.Context, store actor.Backend, tenant, family string) ([]string, error) {
	raw, err := store.Get(ctx, familyKey(tenant, family))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, nil
		}
		return nil, actor.StorageErr(err)
	}
	var members []string
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, actor.StorageErr(err)
	}
	return members, nil
}

// NewJTI returns a fresh token identifier: 32 bytes of entropy, base64url.
func NewJTI() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
