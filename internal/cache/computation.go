package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/decision-core/internal/utils"
)

// Outcome tells a caller how its value was obtained.
type Outcome int

const (
	// OutcomeHit means a ready, unexpired value was returned without computing.
	OutcomeHit Outcome = iota
	// OutcomeComputed means this caller started the computation.
	OutcomeComputed
	// OutcomeShared means this caller waited on another caller's computation.
	OutcomeShared
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHit:
		return "hit"
	case OutcomeComputed:
		return "computed"
	case OutcomeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Computation maps fingerprints to computed values with a TTL and allows at
// most one in-flight computation per fingerprint.
type Computation[V any] struct {
	shards []computeShard[V]
	shared Provider
	now    utils.Clock
	logger *slog.Logger
}

type computeShard[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
}

// entry is pending until done is closed. ready and expiresAt are guarded by
// the shard lock; value and err are written before done is closed.
type entry[V any] struct {
	done       chan struct{}
	ready      bool
	expiresAt  time.Time
	fromShared bool
	value      V
	err        error
}

// ComputationOption customises a Computation.
type ComputationOption func(*computationOptions)

type computationOptions struct {
	shards int
	shared Provider
	now    utils.Clock
	logger *slog.Logger
}

// WithShards sets the shard count.
func WithShards(n int) ComputationOption {
	return func(o *computationOptions) { o.shards = n }
}

// WithSharedProvider adds a second tier consulted before computing and filled
// after a successful computation.
func WithSharedProvider(p Provider) ComputationOption {
	return func(o *computationOptions) { o.shared = p }
}

// WithClock overrides the clock used for expiry.
func WithClock(now utils.Clock) ComputationOption {
	return func(o *computationOptions) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ComputationOption {
	return func(o *computationOptions) { o.logger = logger }
}

// NewComputation constructs a computation cache.
func NewComputation[V any](opts ...ComputationOption) *Computation[V] {
	o := computationOptions{shards: 64}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards <= 0 {
		o.shards = 64
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	shards := make([]computeShard[V], o.shards)
	for i := range shards {
		shards[i] = computeShard[V]{entries: make(map[string]*entry[V])}
	}
	return &Computation[V]{shards: shards, shared: o.shared, now: o.now.OrSystem(), logger: o.logger}
}

// GetOrCompute returns the cached value for fingerprint or computes it with fn.
//
// Concurrent callers for the same fingerprint share one call to fn. fn runs on
// a context detached from every caller, so a caller whose ctx ends just stops
// waiting. A failed computation is not cached and is reported to every waiter.
// A ttl <= 0 shares the in-flight computation but keeps nothing afterwards.
func (c *Computation[V]) GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, fn func(context.Context) (V, error)) (V, Outcome, error) {
	shard := c.shardFor(fingerprint)

	shard.mu.Lock()
	if e, ok := shard.entries[fingerprint]; ok {
		if !e.ready {
			shard.mu.Unlock()
			value, err := await(ctx, e)
			return value, OutcomeShared, err
		}
		if c.now().Before(e.expiresAt) {
			value := e.value
			shard.mu.Unlock()
			return value, OutcomeHit, nil
		}
		delete(shard.entries, fingerprint)
	}
	e := &entry[V]{done: make(chan struct{})}
	shard.entries[fingerprint] = e
	shard.mu.Unlock()

	go c.compute(context.WithoutCancel(ctx), shard, fingerprint, ttl, e, fn)

	value, err := await(ctx, e)
	if err == nil && e.fromShared {
		return value, OutcomeHit, nil
	}
	return value, OutcomeComputed, err
}

// Invalidate drops fingerprint locally and from the shared provider. An
// in-flight computation still completes for its waiters but is not kept.
func (c *Computation[V]) Invalidate(ctx context.Context, fingerprint string) error {
	shard := c.shardFor(fingerprint)
	shard.mu.Lock()
	delete(shard.entries, fingerprint)
	shard.mu.Unlock()
	if c.shared == nil {
		return nil
	}
	return c.shared.Del(ctx, fingerprint)
}

// Sweep removes expired ready entries and returns how many were dropped.
func (c *Computation[V]) Sweep() int {
	now := c.now()
	removed := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		for key, e := range shard.entries {
			if e.ready && !now.Before(e.expiresAt) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (c *Computation[V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("computation cache swept", slog.Int("removed", n))
			}
		}
	}
}

// Len returns the number of pending and ready entries.
func (c *Computation[V]) Len() int {
	total := 0
	for i := range c.shards {
		shard := &c.shards[i]
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

func (c *Computation[V]) compute(ctx context.Context, shard *computeShard[V], fingerprint string, ttl time.Duration, e *entry[V], fn func(context.Context) (V, error)) {
	value, fromShared, err := c.produce(ctx, fingerprint, ttl, fn)

	shard.mu.Lock()
	e.value, e.err, e.fromShared = value, err, fromShared
	if err != nil || ttl <= 0 {
		if shard.entries[fingerprint] == e {
			delete(shard.entries, fingerprint)
		}
	} else {
		e.ready = true
		e.expiresAt = c.now().Add(ttl)
	}
	shard.mu.Unlock()
	close(e.done)
}

func (c *Computation[V]) produce(ctx context.Context, fingerprint string, ttl time.Duration, fn func(context.Context) (V, error)) (value V, fromShared bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			value, fromShared, err = zero, false, fmt.Errorf("computation panicked: %v", r)
		}
	}()

	if c.shared != nil {
		data, getErr := c.shared.Get(ctx, fingerprint)
		switch {
		case getErr == nil:
			if decodeErr := json.Unmarshal(data, &value); decodeErr == nil {
				return value, true, nil
			}
			c.logger.Warn("shared cache entry undecodable", slog.String("fingerprint", fingerprint))
		case !errors.Is(getErr, ErrCacheMiss):
			c.logger.Warn("shared cache get failed", slog.String("fingerprint", fingerprint), slog.Any("error", getErr))
		}
	}

	value, err = fn(ctx)
	if err != nil {
		var zero V
		return zero, false, err
	}

	if c.shared != nil && ttl > 0 {
		data, encodeErr := json.Marshal(value)
		if encodeErr == nil {
			encodeErr = c.shared.Set(ctx, fingerprint, data, ttl)
		}
		if encodeErr != nil {
			c.logger.Warn("shared cache set failed", slog.String("fingerprint", fingerprint), slog.Any("error", encodeErr))
		}
	}
	return value, false, nil
}

func await[V any](ctx context.Context, e *entry[V]) (V, error) {
	select {
	case <-e.done:
		return e.value, e.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (c *Computation[V]) shardFor(key string) *computeShard[V] {
	if len(c.shards) == 1 {
		return &c.shards[0]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return &c.shards[hasher.Sum32()%uint32(len(c.shards))]
}
