// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

const testTenant = "acme"

func newTestRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *MemorySource, actor.Backend) {
	t.Helper()
	source := NewMemorySource()
	backend := actor.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	return NewRegistry(source, backend, opts...), source, backend
}

func confidentialClient(id string) *Client {
	return &Client{
		ID:                      id,
		Tenant:                  testTenant,
		Secret:                  "s3cret",
		RedirectURIs:            []string{"https://app.example.com/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scopes:                  []string{"openid", "profile", "email"},
		TokenEndpointAuthMethod: AuthMethodSecretBasic,
	}
}

func TestRegistryReadThrough(t *testing.T) {
	registry, source, backend := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, source.Put(ctx, confidentialClient("web-app")))

	got, err := registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ID)

	// The miss populated the KV layer.
	raw, err := backend.Get(ctx, "client:"+testTenant+"/web-app")
	require.NoError(t, err)
	var cached Client
	require.NoError(t, json.Unmarshal(raw, &cached))
	assert.Equal(t, "web-app", cached.ID)

	// The source can go away; the memory layer still serves.
	require.NoError(t, source.Delete(ctx, testTenant, "web-app"))
	got, err = registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ID)
}

func TestRegistryServesFromKVWhenMemoryExpired(t *testing.T) {
	registry, source, _ := newTestRegistry(t, WithMemoryTTL(time.Nanosecond))
	ctx := context.Background()

	require.NoError(t, source.Put(ctx, confidentialClient("web-app")))
	_, err := registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)

	// Memory expired, source gone: the KV layer answers.
	require.NoError(t, source.Delete(ctx, testTenant, "web-app"))
	got, err := registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "web-app", got.ID)
}

func TestRegistryInvalidationClearsAllLayers(t *testing.T) {
	registry, source, backend := newTestRegistry(t)
	ctx := context.Background()

	c := confidentialClient("web-app")
	require.NoError(t, registry.Save(ctx, c))

	_, err := registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)

	updated := confidentialClient("web-app")
	updated.Scopes = []string{"openid"}
	require.NoError(t, registry.Save(ctx, updated))

	// The update is visible immediately despite the caches.
	got, err := registry.Get(ctx, testTenant, "web-app")
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, got.Scopes)

	require.NoError(t, registry.Delete(ctx, testTenant, "web-app"))
	_, err = registry.Get(ctx, testTenant, "web-app")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = backend.Get(ctx, "client:"+testTenant+"/web-app")
	assert.ErrorIs(t, err, actor.ErrNotFound)
	_ = source
}

func TestRegistryUnknownClient(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	_, err := registry.Get(context.Background(), testTenant, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientHelpers(t *testing.T) {
	t.Parallel()

	c := confidentialClient("web-app")
	assert.True(t, c.Confidential())
	assert.True(t, c.GrantAllowed("authorization_code"))
	assert.False(t, c.GrantAllowed("client_credentials"))
	assert.True(t, c.RedirectURIRegistered("https://app.example.com/cb"))
	assert.False(t, c.RedirectURIRegistered("https://evil.example.com/cb"))
	assert.Equal(t, []string{"openid", "email"}, c.FilterScopes([]string{"openid", "admin", "email"}))
	assert.False(t, c.EncryptsIDTokens())

	public := &Client{ID: "spa", TokenEndpointAuthMethod: AuthMethodNone}
	assert.False(t, public.Confidential())
}

// memAssertionJTIs mirrors the actor-backed store in tests.
type memAssertionJTIs struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *memAssertionJTIs) CheckAndStore(_ context.Context, owner, jti string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := owner + "|" + jti
	if s.seen[key] {
		return fmt.Errorf("jti %s already used", jti)
	}
	s.seen[key] = true
	return nil
}

func newTestAuthenticator(t *testing.T) (*Authenticator, *Registry) {
	t.Helper()
	registry, _, _ := newTestRegistry(t)
	keys, err := NewKeyResolver(context.Background(), nil)
	require.NoError(t, err)
	return NewAuthenticator(registry, keys, &memAssertionJTIs{}), registry
}

func TestAuthenticateWithSecret(t *testing.T) {
	auth, registry := newTestAuthenticator(t)
	ctx := context.Background()

	require.NoError(t, registry.Save(ctx, confidentialClient("web-app")))

	req := Request{
		Tenant:      testTenant,
		EndpointURL: "https://idp.example/token",
		BasicUser:   "web-app",
		BasicPass:   "s3cret",
		HasBasic:    true,
	}
	c, err := auth.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "web-app", c.ID)

	req.BasicPass = "wrong"
	_, err = auth.Authenticate(ctx, req)
	assert.ErrorIs(t, err, ErrAuthFailed)

	// Form credentials work the same way.
	form := Request{
		Tenant:      testTenant,
		EndpointURL: "https://idp.example/token",
		ClientID:    "web-app",
		FormSecret:  "s3cret",
	}
	_, err = auth.Authenticate(ctx, form)
	assert.NoError(t, err)
}

func TestAuthenticateUnknownClient(t *testing.T) {
	auth, _ := newTestAuthenticator(t)

	_, err := auth.Authenticate(context.Background(), Request{
		Tenant:   testTenant,
		ClientID: "ghost",
	})
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuthenticatePublicFallback(t *testing.T) {
	auth, registry := newTestAuthenticator(t)
	ctx := context.Background()

	require.NoError(t, registry.Save(ctx, &Client{
		ID:                      "spa",
		Tenant:                  testTenant,
		TokenEndpointAuthMethod: AuthMethodNone,
	}))

	c, err := auth.Authenticate(ctx, Request{
		Tenant:      testTenant,
		ClientID:    "spa",
		AllowPublic: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "spa", c.ID)

	_, err = auth.Authenticate(ctx, Request{
		Tenant:   testTenant,
		ClientID: "spa",
	})
	assert.ErrorIs(t, err, ErrPublicNotPermitted)
}

func inlineJWKS(t *testing.T, pub any, kid string) json.RawMessage {
	t.Helper()
	key, err := jwk.Import(pub)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	raw, err := json.Marshal(key)
	require.NoError(t, err)
	return json.RawMessage(`{"keys":[` + string(raw) + `]}`)
}

func signAssertion(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestAuthenticatePrivateKeyJWT(t *testing.T) {
	auth, registry := newTestAuthenticator(t)
	ctx := context.Background()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	const kid = "assert-key-1"

	require.NoError(t, registry.Save(ctx, &Client{
		ID:                      "fapi-app",
		Tenant:                  testTenant,
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
		JWKS:                    inlineJWKS(t, key.Public(), kid),
		RequireDPoP:             true,
	}))

	const endpoint = "https://idp.example/token"
	now := time.Now()
	makeClaims := func() jwt.MapClaims {
		return jwt.MapClaims{
			"iss": "fapi-app",
			"sub": "fapi-app",
			"aud": endpoint,
			"iat": now.Unix(),
			"exp": now.Add(2 * time.Minute).Unix(),
			"jti": uuid.NewString(),
		}
	}

	assertion := signAssertion(t, key, kid, makeClaims())
	req := Request{
		Tenant:        testTenant,
		EndpointURL:   endpoint,
		AssertionType: AssertionTypeJWTBearer,
		Assertion:     assertion,
	}
	c, err := auth.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "fapi-app", c.ID)

	// Replaying the same assertion fails on the jti.
	_, err = auth.Authenticate(ctx, req)
	assert.ErrorIs(t, err, ErrAssertionReplayed)

	t.Run("wrong audience", func(t *testing.T) {
		claims := makeClaims()
		claims["aud"] = "https://other.example/token"
		_, err := auth.Authenticate(ctx, Request{
			Tenant:        testTenant,
			EndpointURL:   endpoint,
			AssertionType: AssertionTypeJWTBearer,
			Assertion:     signAssertion(t, key, kid, claims),
		})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("iss sub mismatch", func(t *testing.T) {
		claims := makeClaims()
		claims["iss"] = "other-app"
		_, err := auth.Authenticate(ctx, Request{
			Tenant:        testTenant,
			EndpointURL:   endpoint,
			AssertionType: AssertionTypeJWTBearer,
			Assertion:     signAssertion(t, key, kid, claims),
		})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("excessive lifetime", func(t *testing.T) {
		claims := makeClaims()
		claims["exp"] = now.Add(2 * time.Hour).Unix()
		_, err := auth.Authenticate(ctx, Request{
			Tenant:        testTenant,
			EndpointURL:   endpoint,
			AssertionType: AssertionTypeJWTBearer,
			Assertion:     signAssertion(t, key, kid, claims),
		})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("wrong key", func(t *testing.T) {
		otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = auth.Authenticate(ctx, Request{
			Tenant:        testTenant,
			EndpointURL:   endpoint,
			AssertionType: AssertionTypeJWTBearer,
			Assertion:     signAssertion(t, otherKey, kid, makeClaims()),
		})
		assert.ErrorIs(t, err, ErrAuthFailed)
	})
}

func TestCheckFAPI(t *testing.T) {
	t.Parallel()

	ok := &Client{
		ID:                      "fapi-app",
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
		RequireDPoP:             true,
	}
	assert.NoError(t, CheckFAPI(ok))

	public := &Client{ID: "spa", TokenEndpointAuthMethod: AuthMethodNone}
	assert.Error(t, CheckFAPI(public))

	secretBased := confidentialClient("web-app")
	assert.Error(t, CheckFAPI(secretBased))

	bearerOnly := &Client{
		ID:                      "x",
		TokenEndpointAuthMethod: AuthMethodPrivateKeyJWT,
	}
	assert.Error(t, CheckFAPI(bearerOnly))
}
