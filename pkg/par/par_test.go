// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package par

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

const testTenant = "acme"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	system := actor.NewSystem(actor.NewMemoryBackend())
	t.Cleanup(func() { _ = system.Close() })
	return NewStore(system, actor.NewRouter("eu-west", 8))
}

func pushParams() PushParams {
	return PushParams{
		Tenant:   testTenant,
		ClientID: "web-app",
		Params: url.Values{
			"response_type":         {"code"},
			"client_id":             {"web-app"},
			"redirect_uri":          {"https://app.example.com/cb"},
			"scope":                 {"openid profile"},
			"code_challenge":        {"E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"},
			"code_challenge_method": {"S256"},
		},
		Expiry: 600 * time.Second,
	}
}

func TestPushConsumeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	requestURI, expiresIn, err := store.Push(ctx, pushParams())
	require.NoError(t, err)
	assert.Equal(t, 600, expiresIn)
	require.True(t, strings.HasPrefix(requestURI, RequestURIPrefix))

	// The embedded identity parses and carries the minting shard.
	identity, err := actor.ParseIdentity(strings.TrimPrefix(requestURI, RequestURIPrefix))
	require.NoError(t, err)
	assert.Equal(t, "eu-west", identity.Region)

	params, err := store.Consume(ctx, testTenant, requestURI, "web-app")
	require.NoError(t, err)
	assert.Equal(t, "code", params.Get("response_type"))
	assert.Equal(t, "openid profile", params.Get("scope"))
}

func TestConsumeIsSingleUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	requestURI, _, err := store.Push(ctx, pushParams())
	require.NoError(t, err)

	_, err = store.Consume(ctx, testTenant, requestURI, "web-app")
	require.NoError(t, err)

	_, err = store.Consume(ctx, testTenant, requestURI, "web-app")
	assert.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	requestURI, _, err := store.Push(ctx, pushParams())
	require.NoError(t, err)

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Consume(ctx, testTenant, requestURI, "web-app")
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidRequestURI)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestConsumeClientMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	requestURI, _, err := store.Push(ctx, pushParams())
	require.NoError(t, err)

	_, err = store.Consume(ctx, testTenant, requestURI, "other-app")
	assert.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConsumeExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := pushParams()
	params.Expiry = 10 * time.Millisecond
	requestURI, _, err := store.Push(ctx, params)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = store.Consume(ctx, testTenant, requestURI, "web-app")
	assert.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestConsumeMalformedURI(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Consume(ctx, testTenant, "urn:wrong:prefix:abc", "web-app")
	assert.ErrorIs(t, err, ErrInvalidRequestURI)

	_, err = store.Consume(ctx, testTenant, RequestURIPrefix+"not-an-identity", "web-app")
	assert.ErrorIs(t, err, ErrInvalidRequestURI)
}

func TestPushEnforcesClientCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := pushParams()
	params.MaxPerClient = 2

	_, _, err := store.Push(ctx, params)
	require.NoError(t, err)
	_, _, err = store.Push(ctx, params)
	require.NoError(t, err)
	_, _, err = store.Push(ctx, params)
	assert.ErrorIs(t, err, ErrTooManyRequests)

	// Consuming one frees a slot only after expiry pruning; a different
	// client is unaffected either way.
	other := params
	other.ClientID = "other-app"
	_, _, err = store.Push(ctx, other)
	assert.NoError(t, err)
}
