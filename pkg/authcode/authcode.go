// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package authcode stores authorization codes. Each code is owned by an
// actor, so the consume sequence (read, check, mark used) is atomic: under
// concurrent redemption exactly one caller wins and every later attempt is
// observed as a replay.
package authcode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
	"github.com/edgewarden/edgewarden/pkg/keyring"
	"github.com/edgewarden/edgewarden/pkg/logger"
)

// Errors. All map to invalid_grant at the token endpoint except
// ErrTooManyCodes, which surfaces at authorization time.
var (
	// ErrInvalidCode covers absent, expired and mismatched codes.
	ErrInvalidCode = errors.New("authcode: invalid code")

	// ErrTooManyCodes means the user hit the live-code cap.
	ErrTooManyCodes = errors.New("authcode: too many live codes for user")
)

// ReplayError is returned when a code is consumed a second time. It carries
// the token jtis registered by the successful consume so the caller can
// revoke them.
type ReplayError struct {
	AccessTokenJTI  string
	RefreshTokenJTI string
}

// Error implements the error interface.
func (e *ReplayError) Error() string {
	return "authorization code replayed"
}

// Unwrap makes errors.Is(err, ErrInvalidCode) work.
func (e *ReplayError) Unwrap() error {
	return ErrInvalidCode
}

// Code is a minted authorization code with its bound context.
type Code struct {
	Code     string `json:"code"`
	Tenant   string `json:"tenant"`
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`

	RedirectURI string   `json:"redirect_uri"`
	Scopes      []string `json:"scopes"`

	// ResponseType of the originating authorization request; hybrid values
	// make the token endpoint add c_hash to the id_token.
	ResponseType string `json:"response_type,omitempty"`

	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// DPoPJKT binds issued tokens to the proof key seen at PAR/authorize.
	DPoPJKT string `json:"dpop_jkt,omitempty"`

	Nonce  string         `json:"nonce,omitempty"`
	State  string         `json:"state,omitempty"`
	Claims map[string]any `json:"claims,omitempty"`

	AuthTime time.Time `json:"auth_time"`
	ACR      string    `json:"acr,omitempty"`
	AMR      []string  `json:"amr,omitempty"`
	SID      string    `json:"sid,omitempty"`

	Used bool `json:"used"`

	// Token jtis registered at consume time, used for revocation on replay.
	AccessTokenJTI  string `json:"access_token_jti,omitempty"`
	RefreshTokenJTI string `json:"refresh_token_jti,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// usedGrace keeps consumed codes around past their expiry so late replays
// are still recognized and trigger revocation.
const usedGrace = 10 * time.Minute

// Store mints and consumes authorization codes.
type Store struct {
	system *actor.System
	router *actor.Router
}

// NewStore creates a Store.
func NewStore(system *actor.System, router *actor.Router) *Store {
	return &Store{system: system, router: router}
}

func codeKey(tenant, code string) string {
	return "authcode:" + tenant + ":" + code
}

func userIndexKey(tenant, userID string) string {
	return "authcode-user:" + tenant + ":" + userID
}

// MintParams is the bound context of a new code.
type MintParams struct {
	Tenant   string
	ClientID string
	UserID   string

	RedirectURI  string
	Scopes       []string
	ResponseType string

	CodeChallenge       string
	CodeChallengeMethod string
	DPoPJKT             string

	Nonce  string
	State  string
	Claims map[string]any

	AuthTime time.Time
	ACR      string
	AMR      []string
	SID      string

	TTL time.Duration

	// MaxPerUser caps this user's live codes; zero disables the cap.
	MaxPerUser int
}

type userIndexEntry struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Mint generates an opaque code and stores it with the bound context. The
// per-user cap is enforced inside the user's actor, so concurrent mints
// cannot overshoot it.
func (s *Store) Mint(ctx context.Context, params MintParams) (*Code, error) {
	now := time.Now()
	code := &Code{
		Code:                newOpaqueCode(),
		Tenant:              params.Tenant,
		ClientID:            params.ClientID,
		UserID:              params.UserID,
		RedirectURI:         params.RedirectURI,
		Scopes:              params.Scopes,
		ResponseType:        params.ResponseType,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: params.CodeChallengeMethod,
		DPoPJKT:             params.DPoPJKT,
		Nonce:               params.Nonce,
		State:               params.State,
		Claims:              params.Claims,
		AuthTime:            params.AuthTime,
		ACR:                 params.ACR,
		AMR:                 params.AMR,
		SID:                 params.SID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(params.TTL),
	}

	encoded, err := json.Marshal(code)
	if err != nil {
		return nil, fmt.Errorf("failed to encode code: %w", err)
	}

	// The user's actor owns the live-code index and writes the code record
	// in the same op.
	identity := s.router.RouteFor(params.Tenant, "authcode-user:"+params.UserID)
	_, err = s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		index, err := loadUserIndex(ctx, store, params.Tenant, params.UserID)
		if err != nil {
			return nil, err
		}

		live := index[:0]
		for _, entry := range index {
			if now.Before(entry.ExpiresAt) {
				live = append(live, entry)
			}
		}
		if params.MaxPerUser > 0 && len(live) >= params.MaxPerUser {
			return nil, ErrTooManyCodes
		}
		live = append(live, userIndexEntry{Code: code.Code, ExpiresAt: code.ExpiresAt})

		encodedIndex, err := json.Marshal(live)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, userIndexKey(params.Tenant, params.UserID), encodedIndex, params.TTL); err != nil {
			return nil, actor.StorageErr(err)
		}
		return nil, actor.StorageErr(store.Put(ctx, codeKey(params.Tenant, code.Code), encoded, params.TTL+usedGrace))
	})
	if err != nil {
		return nil, err
	}
	return code, nil
}

// ConsumeParams identifies the redemption attempt.
type ConsumeParams struct {
	Tenant   string
	Code     string
	ClientID string

	// CodeVerifier is required when the code carries a challenge.
	CodeVerifier string

	// Token jtis registered with the code for replay-triggered revocation.
	AccessTokenJTI  string
	RefreshTokenJTI string
}

// Consume redeems the code. Checks run in a fixed order: existence, expiry,
// single use, client binding, PKCE. On success the code is atomically marked
// used and the token jtis are registered. A second consume returns a
// ReplayError carrying the registered jtis.
func (s *Store) Consume(ctx context.Context, params ConsumeParams) (*Code, error) {
	identity := s.router.RouteFor(params.Tenant, params.Code)
	result, err := s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		raw, err := store.Get(ctx, codeKey(params.Tenant, params.Code))
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown or expired", ErrInvalidCode)
			}
			return nil, actor.StorageErr(err)
		}

		code := &Code{}
		if err := json.Unmarshal(raw, code); err != nil {
			return nil, actor.StorageErr(err)
		}

		now := time.Now()
		if !now.Before(code.ExpiresAt) && !code.Used {
			return nil, fmt.Errorf("%w: expired", ErrInvalidCode)
		}

		if code.Used {
			logger.Warnw("authorization code replayed, revoking issued tokens",
				"client_id", code.ClientID,
				"access_token_jti", code.AccessTokenJTI,
				"refresh_token_jti", code.RefreshTokenJTI)
			return nil, &ReplayError{
				AccessTokenJTI:  code.AccessTokenJTI,
				RefreshTokenJTI: code.RefreshTokenJTI,
			}
		}

		if code.ClientID != params.ClientID {
			return nil, fmt.Errorf("%w: client mismatch", ErrInvalidCode)
		}

		if code.CodeChallenge != "" {
			if params.CodeVerifier == "" {
				return nil, fmt.Errorf("%w: code_verifier required", ErrInvalidCode)
			}
			if err := keyring.VerifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, params.CodeVerifier); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidCode, err)
			}
		}

		code.Used = true
		code.AccessTokenJTI = params.AccessTokenJTI
		code.RefreshTokenJTI = params.RefreshTokenJTI

		encoded, err := json.Marshal(code)
		if err != nil {
			return nil, actor.StorageErr(err)
		}
		ttl := time.Until(code.ExpiresAt) + usedGrace
		if err := store.Put(ctx, codeKey(params.Tenant, params.Code), encoded, ttl); err != nil {
			return nil, actor.StorageErr(err)
		}
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Code), nil
}

func loadUserIndex(ctx context.Context, store actor.Backend, tenant, userID string) ([]userIndexEntry, error) {
	raw, err := store.Get(ctx, userIndexKey(tenant, userID))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, nil
		}
		return nil, actor.StorageErr(err)
	}
	var index []userIndexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, actor.StorageErr(err)
	}
	return index, nil
}

// newOpaqueCode returns 32 bytes of entropy, base64url encoded.
func newOpaqueCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
