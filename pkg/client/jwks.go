// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/edgewarden/edgewarden/pkg/networking"
)

// registrationTimeout bounds the first fetch of a jwks_uri.
const registrationTimeout = 5 * time.Second

// KeyResolver resolves a client's public key for assertion and request
// object verification: from the inline jwks, or from jwks_uri through an
// auto-refreshing cache over the guarded HTTP client.
type KeyResolver struct {
	cache *jwk.Cache

	// URLs are registered with the cache lazily on first use.
	mu         sync.Mutex
	registered map[string]error
}

// NewKeyResolver creates a resolver. A nil httpClient selects the guarded
// default.
func NewKeyResolver(ctx context.Context, httpClient *http.Client) (*KeyResolver, error) {
	if httpClient == nil {
		httpClient = networking.NewGuardedClient()
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &KeyResolver{
		cache:      cache,
		registered: make(map[string]error),
	}, nil
}

// Resolve returns the client's raw public key for the given kid. An empty
// kid matches a single-key set.
func (r *KeyResolver) Resolve(ctx context.Context, c *Client, kid string) (any, error) {
	key, err := r.lookup(ctx, c, kid, "sig")
	if err != nil {
		return nil, err
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("client %s: failed to export key: %w", c.ID, err)
	}
	return raw, nil
}

// EncryptionJWK returns the client's key for id_token encryption.
func (r *KeyResolver) EncryptionJWK(ctx context.Context, c *Client) (jwk.Key, error) {
	return r.lookup(ctx, c, "", "enc")
}

func (r *KeyResolver) lookup(ctx context.Context, c *Client, kid, use string) (jwk.Key, error) {
	set, err := r.keySet(ctx, c)
	if err != nil {
		return nil, err
	}

	if kid != "" {
		key, found := set.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("client %s: key %s not found", c.ID, kid)
		}
		return key, nil
	}

	// No kid: select by use, preferring keys that declare it. The set is
	// round-tripped through JSON so selection does not depend on jwk.Set
	// iteration order guarantees.
	keys, err := splitKeys(set)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", c.ID, err)
	}
	var fallback jwk.Key
	for _, entry := range keys {
		switch entry.use {
		case use:
			return entry.key, nil
		case "":
			if fallback == nil {
				fallback = entry.key
			}
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, fmt.Errorf("client %s: no key with use %q", c.ID, use)
}

type keyEntry struct {
	key jwk.Key
	use string
}

func splitKeys(set jwk.Set) ([]keyEntry, error) {
	encoded, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key set: %w", err)
	}
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}

	out := make([]keyEntry, 0, len(doc.Keys))
	for _, raw := range doc.Keys {
		key, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key: %w", err)
		}
		var meta struct {
			Use string `json:"use"`
		}
		_ = json.Unmarshal(raw, &meta)
		out = append(out, keyEntry{key: key, use: meta.Use})
	}
	return out, nil
}

func (r *KeyResolver) keySet(ctx context.Context, c *Client) (jwk.Set, error) {
	if c.JWKSURI != "" {
		if err := r.ensureRegistered(ctx, c.JWKSURI); err != nil {
			return nil, err
		}
		set, err := r.cache.Lookup(ctx, c.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("failed to look up jwks_uri for client %s: %w", c.ID, err)
		}
		return set, nil
	}

	if len(c.JWKS) > 0 {
		set, err := jwk.Parse(c.JWKS)
		if err != nil {
			return nil, fmt.Errorf("client %s has a malformed inline jwks: %w", c.ID, err)
		}
		return set, nil
	}

	return nil, fmt.Errorf("client %s has no registered keys", c.ID)
}

func (r *KeyResolver) ensureRegistered(ctx context.Context, url string) error {
	if err := networking.ValidateExternalURL(url); err != nil {
		return fmt.Errorf("jwks_uri rejected: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err, ok := r.registered[url]; ok {
		return err
	}

	registrationCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	err := r.cache.Register(registrationCtx, url)
	if err != nil {
		err = fmt.Errorf("failed to register jwks_uri: %w", err)
	}
	r.registered[url] = err
	return err
}
