// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"regexp"
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
	return NewStore(system, actor.NewRouter("test", 4))
}

func startParams() StartParams {
	return StartParams{
		Tenant:   testTenant,
		ClientID: "tv-app",
		Scopes:   []string{"openid"},
		TTL: 10 * time.Minute,
		// Zero interval keeps polling tests from tripping slow_down; the
		// interval behavior has its own test.
		Interval: 0,
	}
}

func TestUserCodeFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "WDJBMJHT", NormalizeUserCode("wdjb-mjht"))
	assert.Equal(t, "WDJBMJHT", NormalizeUserCode("WDJB MJHT"))
	assert.Equal(t, "WDJBMJHT", NormalizeUserCode("w d j b.m-j_h t"))
	assert.Equal(t, "WDJB-MJHT", FormatUserCode("WDJBMJHT"))

	code := newUserCode()
	assert.Regexp(t, regexp.MustCompile(`^[A-Z2-9]{8}$`), code)
	assert.Equal(t, code, NormalizeUserCode(FormatUserCode(code)))
}

func TestStartApproveClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant, err := store.Start(ctx, startParams())
	require.NoError(t, err)
	require.Len(t, grant.UserCode, 8)
	require.Equal(t, StatusPending, grant.Status)

	// First poll: pending.
	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	assert.ErrorIs(t, err, ErrAuthorizationPending)

	// User approves through the verification page, display form accepted.
	require.NoError(t, store.Approve(ctx, testTenant, FormatUserCode(grant.UserCode), "user-1", "sub-1"))

	looked, err := store.Lookup(ctx, testTenant, grant.UserCode)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, looked.Status)
	assert.Equal(t, "user-1", looked.UserID)

	// The next poll gets the grant, exactly once.
	claimed, err := store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	require.NoError(t, err)
	assert.True(t, claimed.TokenIssued)
	assert.Equal(t, "sub-1", claimed.Subject)

	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestClaimSlowDownDoublesInterval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := startParams()
	params.Interval = time.Hour
	grant, err := store.Start(ctx, params)
	require.NoError(t, err)

	// First poll records the poll time.
	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	require.ErrorIs(t, err, ErrAuthorizationPending)

	// An immediate second poll violates the interval.
	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	require.ErrorIs(t, err, ErrSlowDown)

	// The effective interval doubled.
	looked, err := store.Lookup(ctx, testTenant, grant.UserCode)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, looked.EffectiveInterval)

	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	require.ErrorIs(t, err, ErrSlowDown)
	looked, err = store.Lookup(ctx, testTenant, grant.UserCode)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Hour, looked.EffectiveInterval)
}

func TestDenyThenClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := startParams()
	params.Interval = 0
	grant, err := store.Start(ctx, params)
	require.NoError(t, err)

	require.NoError(t, store.Deny(ctx, testTenant, grant.UserCode))

	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	assert.ErrorIs(t, err, ErrAccessDenied)

	// Approving after denial reports the terminal state.
	err = store.Approve(ctx, testTenant, grant.UserCode, "user-1", "sub-1")
	assert.ErrorIs(t, err, ErrAlreadyDenied)
}

func TestConcurrentApprovalsFirstWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	grant, err := store.Start(ctx, startParams())
	require.NoError(t, err)

	const attempts = 5
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.Approve(ctx, testTenant, grant.UserCode, "user-1", "sub-1")
		}(i)
	}
	wg.Wait()

	var wins, already int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyApproved):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, already)
}

func TestClaimUnknownAndForeignClient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ClaimToken(ctx, testTenant, "ghost-code", "tv-app")
	assert.ErrorIs(t, err, ErrExpiredToken)

	grant, err := store.Start(ctx, startParams())
	require.NoError(t, err)

	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "other-app")
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestExpiredGrant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	params := startParams()
	params.TTL = 10 * time.Millisecond
	grant, err := store.Start(ctx, params)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = store.ClaimToken(ctx, testTenant, grant.DeviceCode, "tv-app")
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = store.Lookup(ctx, testTenant, grant.UserCode)
	assert.ErrorIs(t, err, ErrUnknownUserCode)
}
