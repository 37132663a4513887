// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package par stores pushed authorization requests (RFC 9126). The minted
// request_uri embeds the owning actor identity, so consumption at the
// authorization endpoint routes straight back to the shard that stored it.
package par

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

// RequestURIPrefix is the URN namespace of minted request URIs (RFC 9126).
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// Errors.
var (
	// ErrInvalidRequestURI covers unknown, expired, already consumed and
	// foreign-client request URIs.
	ErrInvalidRequestURI = errors.New("par: invalid request_uri")

	// ErrTooManyRequests means the client hit its pending-request cap.
	ErrTooManyRequests = errors.New("par: too many pending requests for client")
)

type record struct {
	ClientID  string              `json:"client_id"`
	Params    map[string][]string `json:"params"`
	ExpiresAt time.Time           `json:"expires_at"`
}

// Store mints and consumes pushed authorization requests.
type Store struct {
	system *actor.System
	router *actor.Router
}

// NewStore creates a Store.
func NewStore(system *actor.System, router *actor.Router) *Store {
	return &Store{system: system, router: router}
}

func parKey(tenant, nonce string) string {
	return "par:" + tenant + ":" + nonce
}

func clientIndexKey(tenant, clientID string) string {
	return "par-client:" + tenant + ":" + clientID
}

type clientIndexEntry struct {
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PushParams describes a pushed request.
type PushParams struct {
	Tenant   string
	ClientID string

	// Params is the full authorization request parameter set.
	Params url.Values

	Expiry time.Duration

	// MaxPerClient caps pending requests per client; zero disables the cap.
	MaxPerClient int
}

// Push stores the request and returns the request_uri and its lifetime in
// seconds.
func (s *Store) Push(ctx context.Context, params PushParams) (string, int, error) {
	now := time.Now()
	identity := s.router.MintIdentity(params.Tenant)

	rec := record{
		ClientID:  params.ClientID,
		Params:    params.Params,
		ExpiresAt: now.Add(params.Expiry),
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", 0, fmt.Errorf("failed to encode request: %w", err)
	}

	// The client's actor owns the pending-request index; the record itself
	// is written in the same op and later consumed via its own identity.
	indexIdentity := s.router.RouteFor(params.Tenant, "par-client:"+params.ClientID)
	_, err = s.system.Execute(ctx, indexIdentity, func(ctx context.Context, store actor.Backend) (any, error) {
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
		pending = append(pending, clientIndexEntry{Nonce: identity.PrimaryID, ExpiresAt: rec.ExpiresAt})

		encodedIndex, err := json.Marshal(pending)
		if err != nil {
			return nil, err
		}
		if err := store.Put(ctx, clientIndexKey(params.Tenant, params.ClientID), encodedIndex, params.Expiry); err != nil {
			return nil, actor.StorageErr(err)
		}
		return nil, actor.StorageErr(store.Put(ctx, parKey(params.Tenant, identity.PrimaryID), encoded, params.Expiry))
	})
	if err != nil {
		return "", 0, err
	}

	return RequestURIPrefix + identity.String(), int(params.Expiry.Seconds()), nil
}

// Consume atomically redeems a request_uri for the stored parameters. A
// second consume, an expired entry or a different client all fail with
// ErrInvalidRequestURI.
func (s *Store) Consume(ctx context.Context, tenant, requestURI, clientID string) (url.Values, error) {
	identityStr, ok := strings.CutPrefix(requestURI, RequestURIPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: bad prefix", ErrInvalidRequestURI)
	}
	identity, err := actor.ParseIdentity(identityStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequestURI, err)
	}

	result, err := s.system.Execute(ctx, identity, func(ctx context.Context, store actor.Backend) (any, error) {
		key := parKey(tenant, identity.PrimaryID)

		raw, err := store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, actor.ErrNotFound) {
				return nil, fmt.Errorf("%w: unknown or expired", ErrInvalidRequestURI)
			}
			return nil, actor.StorageErr(err)
		}

		rec := record{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, actor.StorageErr(err)
		}

		if rec.ClientID != clientID {
			return nil, fmt.Errorf("%w: client mismatch", ErrInvalidRequestURI)
		}

		if err := store.Delete(ctx, key); err != nil {
			return nil, actor.StorageErr(err)
		}
		return url.Values(rec.Params), nil
	})
	if err != nil {
		return nil, err
	}
	return result.(url.Values), nil
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
