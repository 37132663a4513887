// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgewarden/edgewarden/pkg/logger"
)

// ErrStorage marks an operation failure caused by the persistence layer
// rather than by protocol state. The system retries such failures once;
// if the retry also fails the error is surfaced and the HTTP layer maps it
// to server_error.
var ErrStorage = errors.New("actor: storage failure")

// ErrClosed is returned when executing against a closed system.
var ErrClosed = errors.New("actor: system closed")

const (
	// defaultIdleTimeout is how long an actor goroutine lingers without
	// traffic before it is reaped.
	defaultIdleTimeout = time.Minute

	// idempotencyWindow is the number of request-id snapshots each actor
	// retains. Matches the runtime-state contract of the flow engine.
	idempotencyWindow = 100

	taskBuffer = 64
)

// Op is a unit of work executed by an actor. The op runs on the actor's
// goroutine: for a given identity no two ops interleave, so a
// read-check-write sequence is atomic with respect to that key.
type Op func(ctx context.Context, store Backend) (any, error)

// System owns the actor goroutines and routes operations to them.
type System struct {
	backend     Backend
	idleTimeout time.Duration

	mu     sync.Mutex
	loops  map[string]*loop
	closed bool
	wg     sync.WaitGroup
}

type execConfig struct {
	requestID string
}

// ExecOption configures a single Execute call.
type ExecOption func(*execConfig)

// WithRequestID makes the operation idempotent: if the actor has already
// processed an op with this request ID within its snapshot window, the stored
// result is returned instead of re-executing.
func WithRequestID(id string) ExecOption {
	return func(c *execConfig) {
		c.requestID = id
	}
}

type opResult struct {
	value any
	err   error
}

type task struct {
	ctx       context.Context
	op        Op
	requestID string
	reply     chan opResult
}

type loop struct {
	tasks chan task
	// pending counts tasks enqueued but not yet replied to. Guarded by the
	// system mutex; the loop only exits when pending is zero.
	pending int
}

// SystemOption configures a System.
type SystemOption func(*System)

// WithIdleTimeout sets how long idle actor goroutines linger before reaping.
func WithIdleTimeout(d time.Duration) SystemOption {
	return func(s *System) {
		s.idleTimeout = d
	}
}

// NewSystem creates an actor system over the given backend.
func NewSystem(backend Backend, opts ...SystemOption) *System {
	s := &System{
		backend:     backend,
		idleTimeout: defaultIdleTimeout,
		loops:       make(map[string]*loop),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the underlying backend for health checks.
func (s *System) Backend() Backend {
	return s.backend
}

// Close stops all actor goroutines and closes the backend. In-flight
// operations complete first.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	return s.backend.Close()
}

// Execute runs op on the actor addressed by identity. Ops for the same
// identity are linearized; ops for distinct identities run in parallel.
func (s *System) Execute(ctx context.Context, id Identity, op Op, opts ...ExecOption) (any, error) {
	var cfg execConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	key := id.String()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	l, ok := s.loops[key]
	if !ok {
		l = &loop{tasks: make(chan task, taskBuffer)}
		s.loops[key] = l
		s.wg.Add(1)
		go s.run(key, l)
	}
	l.pending++
	s.mu.Unlock()

	t := task{ctx: ctx, op: op, requestID: cfg.requestID, reply: make(chan opResult, 1)}

	select {
	case l.tasks <- t:
	case <-ctx.Done():
		s.mu.Lock()
		l.pending--
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	res := <-t.reply
	return res.value, res.err
}

// run is the single-writer goroutine for one actor identity.
func (s *System) run(key string, l *loop) {
	defer s.wg.Done()

	seen := NewLRU[string, opResult](idempotencyWindow)
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case t := <-l.tasks:
			s.serve(t, seen)
			s.mu.Lock()
			l.pending--
			s.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.idleTimeout)

		case <-idle.C:
			s.mu.Lock()
			if l.pending == 0 {
				delete(s.loops, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(s.idleTimeout)
		}
	}
}

func (s *System) serve(t task, seen *LRU[string, opResult]) {
	if t.requestID != "" {
		if res, ok := seen.Get(t.requestID); ok {
			t.reply <- res
			return
		}
	}

	if err := t.ctx.Err(); err != nil {
		t.reply <- opResult{err: err}
		return
	}

	value, err := t.op(t.ctx, s.backend)
	if err != nil && errors.Is(err, ErrStorage) {
		logger.Warnw("actor op hit storage failure, retrying once", "error", err.Error())
		value, err = t.op(t.ctx, s.backend)
	}

	res := opResult{value: value, err: err}
	if t.requestID != "" && err == nil {
		seen.Put(t.requestID, res)
	}
	t.reply <- res
}

// StorageErr wraps a backend error so the actor system retries it once and
// the transport layer reports server_error. Protocol sentinels (ErrNotFound,
// ErrConflict) pass through untouched.
func StorageErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}
