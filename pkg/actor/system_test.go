// SPDX-FileCopyrightText: Copyright 2026 Edgewarden Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityRoundTrip(t *testing.T) {
	t.Parallel()

	id := Identity{Generation: 3, Region: "eu-west", Shard: 7, PrimaryID: "abc-123"}
	parsed, err := ParseIdentity(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseIdentityRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "g1:eu", "x1:eu:0:k", "g1:eu:x:k", "g1::0:k", "g1:eu:0:"} {
		_, err := ParseIdentity(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestRouterIsStable(t *testing.T) {
	t.Parallel()

	r := NewRouter("us-east", 8)
	a := r.RouteFor("tenant-a", "code-1")
	b := r.RouteFor("tenant-a", "code-1")
	assert.Equal(t, a, b)
	assert.Equal(t, "code-1", a.PrimaryID)
	assert.GreaterOrEqual(t, a.Shard, 0)
	assert.Less(t, a.Shard, 8)
}

func TestRouterShardWithinBounds(t *testing.T) {
	t.Parallel()

	r := NewRouter("us-east", 7)
	for i := 0; i < 200; i++ {
		id := r.RouteFor("tenant-a", fmt.Sprintf("key-%d", i))
		assert.GreaterOrEqual(t, id.Shard, 0)
		assert.Less(t, id.Shard, 7)

		minted := r.MintIdentity("tenant-a")
		assert.GreaterOrEqual(t, minted.Shard, 0)
		assert.Less(t, minted.Shard, 7)
	}
}

func TestMemoryBackendTTL(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend(WithSweepInterval(10 * time.Millisecond))
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", []byte("v"), 30*time.Millisecond))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	// Reads past expiry return not-found even before the sweep catches up.
	time.Sleep(40 * time.Millisecond)
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// And the sweep eventually removes the record physically.
	assert.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBackendCompareAndSet(t *testing.T) {
	t.Parallel()

	b := NewMemoryBackend()
	defer b.Close()
	ctx := context.Background()

	// nil expected asserts absence.
	require.NoError(t, b.CompareAndSet(ctx, "k", nil, []byte("one"), 0))
	assert.ErrorIs(t, b.CompareAndSet(ctx, "k", nil, []byte("two"), 0), ErrConflict)

	require.NoError(t, b.CompareAndSet(ctx, "k", []byte("one"), []byte("two"), 0))
	assert.ErrorIs(t, b.CompareAndSet(ctx, "k", []byte("one"), []byte("three"), 0), ErrConflict)

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)
}

func newTestRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackendWithClient(client, "test:actor:")
}

func TestRedisBackendRoundTrip(t *testing.T) {
	t.Parallel()

	b := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "k", []byte(`{"a":1}`), time.Minute))
	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(got))

	require.NoError(t, b.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackendCompareAndSet(t *testing.T) {
	t.Parallel()

	b := newTestRedisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CompareAndSet(ctx, "k", nil, []byte("one"), time.Minute))
	assert.ErrorIs(t, b.CompareAndSet(ctx, "k", nil, []byte("two"), time.Minute), ErrConflict)
	require.NoError(t, b.CompareAndSet(ctx, "k", []byte("one"), []byte("two"), time.Minute))
	assert.ErrorIs(t, b.CompareAndSet(ctx, "k", []byte("wrong"), []byte("x"), time.Minute), ErrConflict)
}

// TestExecuteLinearizesPerIdentity drives concurrent single-use consumption
// through one actor and verifies exactly one caller wins.
func TestExecuteLinearizesPerIdentity(t *testing.T) {
	t.Parallel()

	backend := NewMemoryBackend()
	sys := NewSystem(backend)
	defer sys.Close()
	ctx := context.Background()

	id := Identity{Generation: 1, Region: "local", Shard: 0, PrimaryID: "code-1"}

	type record struct {
		Used bool `json:"used"`
	}
	data, _ := json.Marshal(record{})
	require.NoError(t, backend.Put(ctx, "code-1", data, time.Minute))

	consume := func(ctx context.Context, store Backend) (any, error) {
		raw, err := store.Get(ctx, "code-1")
		if err != nil {
			return nil, err
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		if rec.Used {
			return nil, errors.New("replay")
		}
		rec.Used = true
		updated, _ := json.Marshal(rec)
		if err := store.Put(ctx, "code-1", updated, time.Minute); err != nil {
			return nil, err
		}
		return "consumed", nil
	}

	const attempts = 25
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sys.Execute(ctx, id, consume); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count, "consume must succeed at most once across any interleaving")
}

func TestExecuteIdempotencyByRequestID(t *testing.T) {
	t.Parallel()

	sys := NewSystem(NewMemoryBackend())
	defer sys.Close()
	ctx := context.Background()

	id := Identity{Generation: 1, Region: "local", Shard: 0, PrimaryID: "sess-1"}

	calls := 0
	op := func(context.Context, Backend) (any, error) {
		calls++
		return fmt.Sprintf("result-%d", calls), nil
	}

	first, err := sys.Execute(ctx, id, op, WithRequestID("req-1"))
	require.NoError(t, err)
	second, err := sys.Execute(ctx, id, op, WithRequestID("req-1"))
	require.NoError(t, err)

	assert.Equal(t, "result-1", first)
	assert.Equal(t, first, second, "replayed request ID must return the stored result")
	assert.Equal(t, 1, calls)

	third, err := sys.Execute(ctx, id, op, WithRequestID("req-2"))
	require.NoError(t, err)
	assert.Equal(t, "result-2", third)
}

func TestExecuteRetriesStorageErrorsOnce(t *testing.T) {
	t.Parallel()

	sys := NewSystem(NewMemoryBackend())
	defer sys.Close()
	ctx := context.Background()

	id := Identity{Generation: 1, Region: "local", Shard: 0, PrimaryID: "flaky"}

	calls := 0
	op := func(context.Context, Backend) (any, error) {
		calls++
		if calls == 1 {
			return nil, StorageErr(errors.New("connection reset"))
		}
		return "ok", nil
	}

	got, err := sys.Execute(ctx, id, op)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)

	// Persistent failures surface after a single retry.
	calls = 0
	_, err = sys.Execute(ctx, id, func(context.Context, Backend) (any, error) {
		calls++
		return nil, StorageErr(errors.New("still broken"))
	})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, 2, calls)
}

func TestExecuteAfterIdleReap(t *testing.T) {
	t.Parallel()

	sys := NewSystem(NewMemoryBackend(), WithIdleTimeout(20*time.Millisecond))
	defer sys.Close()
	ctx := context.Background()

	id := Identity{Generation: 1, Region: "local", Shard: 0, PrimaryID: "reap"}
	op := func(context.Context, Backend) (any, error) { return "ok", nil }

	_, err := sys.Execute(ctx, id, op)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	// The actor goroutine was reaped; a new one is spun up transparently.
	got, err := sys.Execute(ctx, id, op)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestLRUEvictsOldest(t *testing.T) {
	t.Parallel()

	l := NewLRU[string, int](3)
	l.Put("a", 1)
	l.Put("b", 2)
	l.Put("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := l.Get("a")
	require.True(t, ok)

	l.Put("d", 4)
	assert.Equal(t, 3, l.Len())

	_, ok = l.Get("b")
	assert.False(t, ok, "least recently used entry must be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := l.Get(k)
		assert.True(t, ok, "entry %q should survive", k)
	}
}
