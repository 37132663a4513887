// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package device implements the device authorization grant (RFC 8628). All
// grants of a tenant live behind one actor, which linearizes approval
// against polling: of any number of concurrent approval attempts exactly
// one transitions the grant, and token issuance happens once.
package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

// Status of a device grant.
type Status string

// Grant states.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Protocol errors surfaced at the token endpoint (RFC 8628 section 3.5).
var (
	ErrAuthorizationPending = errors.New("device: authorization pending")
	ErrSlowDown             = errors.New("device: polling too fast")
	ErrAccessDenied         = errors.New("device: access denied")
	ErrExpiredToken         = errors.New("device: device_code expired")
	ErrInvalidGrant         = errors.New("device: invalid device_code")
)

// Verification page errors.
var (
	ErrUnknownUserCode = errors.New("device: unknown user_code")
	ErrAlreadyApproved = errors.New("device: already approved")
	ErrAlreadyDenied   = errors.New("device: already denied")
)

// userCodeAlphabet omits ambiguous characters (0/O, 1/I).
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// userCodeLength is the number of alphanumeric characters in a user code.
const userCodeLength = 8

// Grant is a device authorization in progress.
type Grant struct {
	DeviceCode string `json:"device_code"`

	// UserCode is stored normalized (uppercase, no separator).
	UserCode string `json:"user_code"`

	Tenant   string   `json:"tenant"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`

	Status  Status `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	Subject string `json:"sub,omitempty"`

	// Interval is the minimum polling interval granted to the client.
	// EffectiveInterval starts equal and doubles on each slow_down.
	Interval          time.Duration `json:"interval"`
	EffectiveInterval time.Duration `json:"effective_interval"`
	LastPolledAt      time.Time     `json:"last_polled_at,omitempty"`

	TokenIssued bool `json:"token_issued"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NormalizeUserCode uppercases the input and strips every non-alphanumeric
// character, so "wdjb-mjht" and "WDJB MJHT" both match "WDJBMJHT".
func NormalizeUserCode(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatUserCode renders a normalized code for display: "WDJB-MJHT".
func FormatUserCode(code string) string {
	if len(code) != userCodeLength {
		return code
	}
	return code[:4] + "-" + code[4:]
}

// Store holds device grants.
type Store struct {
	system *actor.System
	router *actor.Router
}

// NewStore creates a Store.
func NewStore(system *actor.System, router *actor.Router) *Store {
	return &Store{system: system, router: router}
}

// tenantIdentity routes all device operations of a tenant to one actor.
func (s *Store) tenantIdentity(tenant string) actor.Identity {
	return s.router.RouteFor(tenant, "device-grants")
}

func deviceKey(tenant, deviceCode string) string {
	return "device:" + tenant + ":code:" + deviceCode
}

func userCodeKey(tenant, userCode string) string {
	return "device:" + tenant + ":user:" + userCode
}

// StartParams configures a new device authorization.
type StartParams struct {
	Tenant   string
	ClientID string
	Scopes   []string
	TTL      time.Duration
	Interval time.Duration
}

// Start mints a device_code and user_code pair.
func (s *Store) Start(ctx context.Context, params StartParams) (*Grant, error) {
	now := time.Now()
	grant := &Grant{
		DeviceCode:        newDeviceCode(),
		UserCode:          newUserCode(),
		Tenant:            params.Tenant,
		ClientID:          params.ClientID,
		Scopes:            params.Scopes,
		Status:            StatusPending,
		Interval:          params.Interval,
		EffectiveInterval: params.Interval,
		CreatedAt:         now,
		ExpiresAt:         now.Add(params.TTL),
	}

	_, err := s.system.Execute(ctx, s.tenantIdentity(params.Tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		if err := putGrant(ctx, store, grant); err != nil {
			return nil, err
		}
		ttl := time.Until(grant.ExpiresAt)
		return nil, actor.StorageErr(store.Put(ctx, userCodeKey(params.Tenant, grant.UserCode), []byte(grant.DeviceCode), ttl))
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// Lookup returns the grant for a user code, for display on the verification
// page. The input may be in display form.
func (s *Store) Lookup(ctx context.Context, tenant, userCode string) (*Grant, error) {
	normalized := NormalizeUserCode(userCode)
	result, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		return loadGrantByUserCode(ctx, store, tenant, normalized)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Grant), nil
}

// Approve transitions pending to approved and binds the authenticated user.
// Under concurrent attempts the first wins; later callers observe the
// terminal state and get ErrAlreadyApproved or ErrAlreadyDenied.
func (s *Store) Approve(ctx context.Context, tenant, userCode, userID, sub string) error {
	return s.decide(ctx, tenant, userCode, StatusApproved, userID, sub)
}

// Deny transitions pending to denied.
func (s *Store) Deny(ctx context.Context, tenant, userCode string) error {
	return s.decide(ctx, tenant, userCode, StatusDenied, "", "")
}

func (s *Store) decide(ctx context.Context, tenant, userCode string, target Status, userID, sub string) error {
	normalized := NormalizeUserCode(userCode)
	_, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		grant, err := loadGrantByUserCode(ctx, store, tenant, normalized)
		if err != nil {
			return nil, err
		}

		switch grant.Status {
		case StatusApproved:
			return nil, ErrAlreadyApproved
		case StatusDenied:
			return nil, ErrAlreadyDenied
		}

		grant.Status = target
		if target == StatusApproved {
			grant.UserID = userID
			grant.Subject = sub
		}
		return nil, putGrant(ctx, store, grant)
	})
	return err
}

// ClaimToken is the device_code grant poll. It enforces the polling
// interval (doubling it on each violation), reports the pending or terminal
// state, and on the first poll after approval atomically marks the grant's
// tokens as issued and returns it. Any later claim fails.
func (s *Store) ClaimToken(ctx context.Context, tenant, deviceCode, clientID string) (*Grant, error) {
	result, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		raw, err := store.Get(ctx, deviceKey(tenant, deviceCode))
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				return nil, ErrExpiredToken
			}
			return nil, actor.StorageErr(err)
		}
		grant := &Grant{}
		if err := json.Unmarshal(raw, grant); err != nil {
			return nil, actor.StorageErr(err)
		}

		if grant.ClientID != clientID {
			return nil, ErrInvalidGrant
		}

		now := time.Now()
		if !grant.LastPolledAt.IsZero() && now.Sub(grant.LastPolledAt) < grant.EffectiveInterval {
			grant.EffectiveInterval *= 2
			grant.LastPolledAt = now
			if err := putGrant(ctx, store, grant); err != nil {
				return nil, err
			}
			return nil, ErrSlowDown
		}
		grant.LastPolledAt = now

		switch grant.Status {
		case StatusPending:
			if err := putGrant(ctx, store, grant); err != nil {
				return nil, err
			}
			return nil, ErrAuthorizationPending

		case StatusDenied:
			if err := putGrant(ctx, store, grant); err != nil {
				return nil, err
			}
			return nil, ErrAccessDenied

		case StatusApproved:
			if grant.TokenIssued {
				return nil, ErrInvalidGrant
			}
			grant.TokenIssued = true
			if err := putGrant(ctx, store, grant); err != nil {
				return nil, err
			}
			return grant, nil

		default:
			return nil, ErrInvalidGrant
		}
	})
	if err != nil {
		return nil, err
	}
	return result.(*Grant), nil
}

func loadGrantByUserCode(ctx context.Context, store actor.Backend, tenant, normalized string) (*Grant, error) {
	deviceCode, err := store.Get(ctx, userCodeKey(tenant, normalized))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, ErrUnknownUserCode
		}
		return nil, actor.StorageErr(err)
	}

	raw, err := store.Get(ctx, deviceKey(tenant, string(deviceCode)))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, ErrUnknownUserCode
		}
		return nil, actor.StorageErr(err)
	}

	grant := &Grant{}
	if err := json.Unmarshal(raw, grant); err != nil {
		return nil, actor.StorageErr(err)
	}
	return grant, nil
}

func putGrant(ctx context.Context, store actor.Backend, grant *Grant) error {
	encoded, err := json.Marshal(grant)
	if err != nil {
		return actor.StorageErr(err)
	}
	ttl := time.Until(grant.ExpiresAt)
	if ttl <= 0 {
		return ErrExpiredToken
	}
	return actor.StorageErr(store.Put(ctx, deviceKey(grant.Tenant, grant.DeviceCode), encoded, ttl))
}

func newDeviceCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func newUserCode() string {
	buf := make([]byte, userCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	code := make([]byte, userCodeLength)
	for i, b := range buf {
		code[i] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	return string(code)
}
