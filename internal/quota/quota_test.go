package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{ calls atomic.Int64 }

func (f *failingStore) Get(context.Context, string) (Window, bool, error) {
	f.calls.Add(1)
	return Window{}, false, errors.New("connection refused")
}
func (f *failingStore) Set(context.Context, string, Window) error { return errors.New("connection refused") }
func (f *failingStore) CompareAndSwap(context.Context, string, *Window, Window) (bool, error) {
	return false, errors.New("connection refused")
}
func (f *failingStore) Delete(context.Context, string) error { return nil }

func TestLedgerAllowsUpToLimitThenRejects(t *testing.T) {
	clock := newFakeClock()
	ledger := NewLedger(NewMemoryStore(4), clock.Now)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 5, 60)
		require.NoError(t, err)
		assert.True(t, usage.Allowed, "request %d", i)
		assert.Equal(t, int64(5-i), usage.Remaining)
		clock.Advance(time.Second)
	}

	usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 5, 60)
	require.NoError(t, err)
	assert.False(t, usage.Allowed)
	assert.Equal(t, int64(0), usage.Remaining)
	assert.Equal(t, int64(6), usage.Count, "rejected requests are still counted")
	assert.Equal(t, int64(55), usage.RetryAfterSeconds)
}

func TestLedgerWindowReset(t *testing.T) {
	clock := newFakeClock()
	ledger := NewLedger(NewMemoryStore(1), clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 2, 10)
		require.NoError(t, err)
	}

	// window_start + window_seconds <= now starts a fresh window.
	clock.Advance(10 * time.Second)
	for i := 0; i < 2; i++ {
		usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 2, 10)
		require.NoError(t, err)
		assert.True(t, usage.Allowed)
	}
}

func TestLedgerBoundaryBurstIsExpected(t *testing.T) {
	clock := newFakeClock()
	ledger := NewLedger(NewMemoryStore(1), clock.Now)
	ctx := context.Background()

	_, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 3, 10)
	require.NoError(t, err)

	// Fill the tail of the first window, then the head of the next one: 2x the
	// limit inside roughly one window length is accepted fixed-window behaviour.
	clock.Advance(9 * time.Second)
	allowed := 0
	for i := 0; i < 2; i++ {
		usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 3, 10)
		require.NoError(t, err)
		if usage.Allowed {
			allowed++
		}
	}
	clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 3, 10)
		require.NoError(t, err)
		if usage.Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)
}

func TestLedgerKeysAreIndependent(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(8), nil)
	ctx := context.Background()

	usage, err := ledger.IncrementAndCheck(ctx, "a", models.ServiceChat, 1, 60)
	require.NoError(t, err)
	require.True(t, usage.Allowed)

	usage, err = ledger.IncrementAndCheck(ctx, "a", models.ServiceRecommendations, 1, 60)
	require.NoError(t, err)
	assert.True(t, usage.Allowed, "same caller on another service has its own window")

	usage, err = ledger.IncrementAndCheck(ctx, "b", models.ServiceChat, 1, 60)
	require.NoError(t, err)
	assert.True(t, usage.Allowed)
}

func TestLedgerConcurrentIncrementsNeverExceedLimit(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(1), nil)
	const limit, callers = 50, 200

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			usage, err := ledger.IncrementAndCheck(context.Background(), "shared", models.ServiceChat, limit, 60)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if usage.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	usage, found, err := ledger.Peek(context.Background(), "shared", models.ServiceChat)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(callers), usage.Count)
}

func TestLedgerResetAndInvalidLimits(t *testing.T) {
	ledger := NewLedger(nil, nil)
	ctx := context.Background()

	_, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 0, 60)
	require.Error(t, err)

	_, err = ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 1, 60)
	require.NoError(t, err)
	require.NoError(t, ledger.Reset(ctx, "caller", models.ServiceChat))
	usage, err := ledger.IncrementAndCheck(ctx, "caller", models.ServiceChat, 1, 60)
	require.NoError(t, err)
	assert.True(t, usage.Allowed)
}

func TestMemoryStorePrune(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(2)
	ledger := NewLedger(store, clock.Now)
	_, err := ledger.IncrementAndCheck(context.Background(), "caller", models.ServiceChat, 1, 5)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Prune(clock.Now()))
	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, store.Prune(clock.Now()))
}
