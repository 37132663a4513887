// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgewarden/edgewarden/pkg/actor"
)

const (
	// userCodeMaxFailures is the failure budget per IP per window.
	userCodeMaxFailures = 5

	userCodeWindow       = time.Hour
	userCodeInitialBlock = time.Hour
	userCodeMaxBlock     = 24 * time.Hour
)

// ErrUserCodeBlocked is returned while an IP is blocked from user-code
// verification.
var ErrUserCodeBlocked = errors.New("ratelimit: user-code verification blocked")

// BlockedError carries the block deadline for the Retry-After header.
type BlockedError struct {
	Until time.Time
}

// Error implements the error interface.
func (e *BlockedError) Error() string {
	return fmt.Sprintf("user-code verification blocked until %s", e.Until.Format(time.RFC3339))
}

// Unwrap makes errors.Is(err, ErrUserCodeBlocked) work.
func (e *BlockedError) Unwrap() error {
	return ErrUserCodeBlocked
}

type userCodeState struct {
	Failures      int           `json:"failures"`
	WindowStart   time.Time     `json:"window_start"`
	BlockedUntil  time.Time     `json:"blocked_until,omitempty"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
}

// UserCodeRateLimiter protects the device-grant verification page from
// user-code guessing. State is owned by a per-IP actor, so concurrent
// verification attempts from one IP are counted without races. More than
// five failures within an hour blocks the IP for an hour; each subsequent
// block doubles, capped at 24 hours. A successful verification resets
// everything.
type UserCodeRateLimiter struct {
	system *actor.System
	router *actor.Router
}

// NewUserCodeRateLimiter creates the limiter over an actor system.
func NewUserCodeRateLimiter(system *actor.System, router *actor.Router) *UserCodeRateLimiter {
	return &UserCodeRateLimiter{system: system, router: router}
}

func (l *UserCodeRateLimiter) identity(tenant, ip string) actor.Identity {
	return l.router.RouteFor(tenant, "usercode-limit:"+ip)
}

func stateKey(tenant, ip string) string {
	return "usercode-limit:" + tenant + ":" + ip
}

// Check fails with a BlockedError while the IP is blocked.
func (l *UserCodeRateLimiter) Check(ctx context.Context, tenant, ip string) error {
	_, err := l.system.Execute(ctx, l.identity(tenant, ip), func(ctx context.Context, store actor.Backend) (any, error) {
		state, err := loadUserCodeState(ctx, store, tenant, ip)
		if err != nil {
			return nil, err
		}
		if state != nil && time.Now().Before(state.BlockedUntil) {
			return nil, &BlockedError{Until: state.BlockedUntil}
		}
		return nil, nil
	})
	return err
}

// RecordFailure counts a failed verification attempt and blocks the IP when
// the budget is exhausted.
func (l *UserCodeRateLimiter) RecordFailure(ctx context.Context, tenant, ip string) error {
	_, err := l.system.Execute(ctx, l.identity(tenant, ip), func(ctx context.Context, store actor.Backend) (any, error) {
		now := time.Now()

		state, err := loadUserCodeState(ctx, store, tenant, ip)
		if err != nil {
			return nil, err
		}
		if state == nil || now.Sub(state.WindowStart) >= userCodeWindow {
			state = &userCodeState{WindowStart: now, BlockDuration: stateBlockDuration(state)}
		}

		state.Failures++
		if state.Failures > userCodeMaxFailures && now.After(state.BlockedUntil) {
			if state.BlockDuration == 0 {
				state.BlockDuration = userCodeInitialBlock
			} else {
				state.BlockDuration *= 2
				if state.BlockDuration > userCodeMaxBlock {
					state.BlockDuration = userCodeMaxBlock
				}
			}
			state.BlockedUntil = now.Add(state.BlockDuration)
		}

		encoded, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		ttl := userCodeWindow
		if until := time.Until(state.BlockedUntil); until > ttl {
			ttl = until
		}
		return nil, actor.StorageErr(store.Put(ctx, stateKey(tenant, ip), encoded, ttl))
	})
	return err
}

// stateBlockDuration carries the doubling base across window rolls so a
// repeat offender does not restart at the initial block length.
func stateBlockDuration(state *userCodeState) time.Duration {
	if state == nil {
		return 0
	}
	return state.BlockDuration
}

// RecordSuccess clears the failure history for the IP.
func (l *UserCodeRateLimiter) RecordSuccess(ctx context.Context, tenant, ip string) error {
	_, err := l.system.Execute(ctx, l.identity(tenant, ip), func(ctx context.Context, store actor.Backend) (any, error) {
		return nil, actor.StorageErr(store.Delete(ctx, stateKey(tenant, ip)))
	})
	return err
}

func loadUserCodeState(ctx context.Context, store actor.Backend, tenant, ip string) (*userCodeState, error) {
	raw, err := store.Get(ctx, stateKey(tenant, ip))
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return nil, nil
		}
		return nil, actor.StorageErr(err)
	}
	state := &userCodeState{}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, actor.StorageErr(err)
	}
	return state, nil
}
