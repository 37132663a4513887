// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ciba implements client-initiated backchannel authentication.
// Requests live behind a per-tenant actor like device grants; ping-mode
// clients are additionally notified through the guarded HTTP client when a
// request reaches a decision.
package ciba

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

// Status of a backchannel authentication request.
type Status string

// Request states.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Protocol errors surfaced at the token endpoint.
var (
	ErrAuthorizationPending = errors.New("ciba: authorization pending")
	ErrSlowDown             = errors.New("ciba: polling too fast")
	ErrAccessDenied         = errors.New("ciba: access denied")
	ErrExpiredToken         = errors.New("ciba: auth_req_id expired")
	ErrInvalidGrant         = errors.New("ciba: invalid auth_req_id")
)

// Decision errors.
var (
	ErrUnknownRequest = errors.New("ciba: unknown auth_req_id")
	ErrAlreadyDecided = errors.New("ciba: request already decided")
)

// ErrTooManyRequests means the client hit its pending-request cap.
var ErrTooManyRequests = errors.New("ciba: too many pending requests for client")

// Request is a backchannel authentication request.
type Request struct {
	AuthReqID string `json:"auth_req_id"`

	Tenant   string   `json:"tenant"`
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`

	// LoginHint identifies the user being authenticated out of band.
	LoginHint      string `json:"login_hint,omitempty"`
	BindingMessage string `json:"binding_message,omitempty"`

	// Mode is poll or ping (registered client metadata).
	Mode string `json:"mode"`

	// ClientNotificationToken authenticates ping notifications to the
	// client's endpoint.
	ClientNotificationToken string `json:"client_notification_token,omitempty"`

	Status  Status `json:"status"`
	UserID  string `json:"user_id,omitempty"`
	Subject string `json:"sub,omitempty"`

	Interval          time.Duration `json:"interval"`
	EffectiveInterval time.Duration `json:"effective_interval"`
	LastPolledAt      time.Time     `json:"last_polled_at,omitempty"`

	TokenIssued bool `json:"token_issued"`

	// Notified records that the terminal-state ping was delivered, so a
	// decision is never re-notified.
	Notified bool `json:"notified"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Terminal reports whether the request can no longer be decided or
// notified.
func (r *Request) Terminal() bool {
	return r.TokenIssued || time.Now().After(r.ExpiresAt)
}

// Store holds backchannel authentication requests.
type Store struct {
	system *actor.System
	router *actor.Router
}

// NewStore creates a Store.
func NewStore(system *actor.System, router *actor.Router) *Store {
	return &Store{system: system, router: router}
}

func (s *Store) tenantIdentity(tenant string) actor.Identity {
	return s.router.RouteFor(tenant, "ciba-requests")
}

func requestKey(tenant, authReqID string) string {
	return "ciba:" + tenant + ":" + authReqID
}

func clientIndexKey(tenant, clientID string) string {
	return "ciba-client:" + tenant + ":" + clientID
}

type clientIndexEntry struct {
	AuthReqID string    `json:"auth_req_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func loadClientIndex(ctx context.Context, store actor.Backend, tenant, clientID string) ([]clientIndexEntry, error) {
	raw, err := store.Get(ctx, clientIndexKey(tenant, clientID))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, nil
		}
		return nil, actor.StorageErr(err)
	}
	var index []clientIndexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, actor.StorageErr(err)
	}
	return index, nil
}

// StartParams configures a new backchannel request.
type StartParams struct {
	Tenant                  string
	ClientID                string
	Scopes                  []string
	LoginHint               string
	BindingMessage          string
	Mode                    string
	ClientNotificationToken string
	TTL                     time.Duration
	Interval                time.Duration

	// MaxPerClient caps pending requests per client; zero disables the cap.
	MaxPerClient int
}

// Start mints an auth_req_id and stores the pending request.
func (s *Store) Start(ctx context.Context, params StartParams) (*Request, error) {
	now := time.Now()
	req := &Request{
		AuthReqID:               newAuthReqID(),
		Tenant:                  params.Tenant,
		ClientID:                params.ClientID,
		Scopes:                  params.Scopes,
		LoginHint:               params.LoginHint,
		BindingMessage:          params.BindingMessage,
		Mode:                    params.Mode,
		ClientNotificationToken: params.ClientNotificationToken,
		Status:                  StatusPending,
		Interval:                params.Interval,
		EffectiveInterval:       params.Interval,
		CreatedAt:               now,
		ExpiresAt:               now.Add(params.TTL),
	}

	// The tenant actor owns the per-client pending index and writes the
	// request in the same op, so concurrent starts cannot overshoot the cap.
	_, err := s.system.Execute(ctx, s.tenantIdentity(params.Tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		index, err := loadClientIndex(ctx, store, params.Tenant, params.ClientID)
		if err != nil {
			return nil, err
		}

		pending := index[:0]
		for _, entry := range index {
			if now.Before(entry.ExpiresAt) {
				pending = append(pending, entry)
			}
		}
		if params.MaxPerClient > 0 && len(pending) >= params.MaxPerClient {
			return nil, ErrTooManyRequests
		}
		pending = append(pending, clientIndexEntry{AuthReqID: req.AuthReqID, ExpiresAt: req.ExpiresAt})

		encodedIndex, err := json.Marshal(pending)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, clientIndexKey(params.Tenant, params.ClientID), encodedIndex, params.TTL); err != nil {
			return nil, actor.StorageErr(err)
		}
		return nil, putRequest(ctx, store, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Get returns the request, or ErrUnknownRequest.
func (s *Store) Get(ctx context.Context, tenant, authReqID string) (*Request, error) {
	result, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		return loadRequest(ctx, store, tenant, authReqID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Request), nil
}

// Approve transitions pending to approved and binds the authenticated user.
// The returned request tells the caller whether a ping notification is due.
func (s *Store) Approve(ctx context.Context, tenant, authReqID, userID, sub string) (*Request, error) {
	return s.decide(ctx, tenant, authReqID, StatusApproved, userID, sub)
}

// Deny transitions pending to denied.
func (s *Store) Deny(ctx context.Context, tenant, authReqID string) (*Request, error) {
	return s.decide(ctx, tenant, authReqID, StatusDenied, "", "")
}

func (s *Store) decide(ctx context.Context, tenant, authReqID string, target Status, userID, sub string) (*Request, error) {
	result, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		req, err := loadRequest(ctx, store, tenant, authReqID)
		if err != nil {
			return nil, err
		}
		if req.Status != StatusPending {
			return nil, ErrAlreadyDecided
		}

		req.Status = target
		if target == StatusApproved {
			req.UserID = userID
			req.Subject = sub
		}
		if err := putRequest(ctx, store, req); err != nil {
			return nil, err
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Request), nil
}

// MarkNotified records a delivered ping so the decision is not re-notified.
func (s *Store) MarkNotified(ctx context.Context, tenant, authReqID string) error {
	_, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		req, err := loadRequest(ctx, store, tenant, authReqID)
		if err != nil {
			return nil, err
		}
		req.Notified = true
		return nil, putRequest(ctx, store, req)
	})
	return err
}

// ClaimToken is the ciba grant poll, with the same interval and
// single-issuance contract as the device grant.
func (s *Store) ClaimToken(ctx context.Context, tenant, authReqID, clientID string) (*Request, error) {
	result, err := s.system.Execute(ctx, s.tenantIdentity(tenant), func(ctx context.Context, store actor.Backend) (any, error) {
		raw, err := store.Get(ctx, requestKey(tenant, authReqID))
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				return nil, ErrExpiredToken
			}
			return nil, actor.StorageErr(err)
		}
		req := &Request{}
		if err := json.Unmarshal(raw, req); err != nil {
			return nil, actor.StorageErr(err)
		}

		if req.ClientID != clientID {
			return nil, ErrInvalidGrant
		}

		now := time.Now()
		if !req.LastPolledAt.IsZero() && now.Sub(req.LastPolledAt) < req.EffectiveInterval {
			req.EffectiveInterval *= 2
			req.LastPolledAt = now
			if err := putRequest(ctx, store, req); err != nil {
				return nil, err
			}
			return nil, ErrSlowDown
		}
		req.LastPolledAt = now

		switch req.Status {
		case StatusPending:
			if err := putRequest(ctx, store, req); err != nil {
				return nil, err
			}
			return nil, ErrAuthorizationPending

		case StatusDenied:
			if err := putRequest(ctx, store, req); err != nil {
				return nil, err
			}
			return nil, ErrAccessDenied

		case StatusApproved:
			if req.TokenIssued {
				return nil, ErrInvalidGrant
			}
			req.TokenIssued = true
			if err := putRequest(ctx, store, req); err != nil {
				return nil, err
			}
			return req, nil

		default:
			return nil, ErrInvalidGrant
		}
	})
	if err != nil {
		return nil, err
	}
	return result.(*Request), nil
}

func loadRequest(ctx context.Context, store actor.Backend, tenant, authReqID string) (*Request, error) {
	raw, err := store.Get(ctx, requestKey(tenant, authReqID))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, ErrUnknownRequest
		}
		return nil, actor.StorageErr(err)
	}
	req := &Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, actor.StorageErr(err)
	}
	return req, nil
}

func putRequest(ctx context.Context, store actor.Backend, req *Request) error {
	encoded, err := json.Marshal(req)
	if err != nil {
		return actor.StorageErr(err)
	}
	ttl := time.Until(req.ExpiresAt)
	if ttl <= 0 {
		return ErrExpiredToken
	}
	return actor.StorageErr(store.Put(ctx, requestKey(req.Tenant, req.AuthReqID), encoded, ttl))
}

func newAuthReqID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
