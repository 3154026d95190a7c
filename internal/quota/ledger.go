package quota

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/utils"
)

// maxSwapAttempts bounds the CAS loop; every failed attempt means another caller won.
const maxSwapAttempts = 10000

// ErrContention is returned when a window could not be updated within maxSwapAttempts.
var ErrContention = errors.New("quota window contention")

// Usage is what the ledger exposes about a window; the window itself stays private.
type Usage struct {
	Allowed           bool
	Count             int64
	Limit             int64
	Remaining         int64
	RetryAfterSeconds int64
	ResetAt           time.Time
}

// Ledger counts requests per (caller key, service) in fixed windows.
//
// Fixed windows allow up to 2x limit across a window edge (the tail of one
// window plus the head of the next). That is intended: O(1) state per key and
// no background sweeping.
type Ledger struct {
	store Store
	now   utils.Clock
}

// NewLedger constructs a ledger over store. A nil clock uses the system clock.
func NewLedger(store Store, now utils.Clock) *Ledger {
	if store == nil {
		store = NewMemoryStore(0)
	}
	return &Ledger{store: store, now: now.OrSystem()}
}

// IncrementAndCheck counts one request and reports whether it fits the limit.
// The increment is recorded even when the request is rejected.
func (l *Ledger) IncrementAndCheck(ctx context.Context, callerKey string, service models.ServiceKey, limit, windowSeconds int64) (Usage, error) {
	if limit <= 0 || windowSeconds <= 0 {
		return Usage{}, fmt.Errorf("invalid quota limit=%d window_seconds=%d", limit, windowSeconds)
	}
	key := windowKey(callerKey, service)

	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Usage{}, err
		}
		now := l.now()
		current, found, err := l.store.Get(ctx, key)
		if err != nil {
			return Usage{}, utils.NewAppError("quota.load", "load window", err)
		}

		var old *Window
		next := Window{Start: now, Limit: limit, WindowSeconds: windowSeconds}
		if found {
			old = &current
			if !current.Expired(now) {
				next = current
				next.Limit = limit
			}
		}
		next.Count++

		swapped, err := l.store.CompareAndSwap(ctx, key, old, next)
		if err != nil {
			return Usage{}, utils.NewAppError("quota.swap", "store window", err)
		}
		if swapped {
			return usageOf(next, now), nil
		}
		runtime.Gosched()
	}
	return Usage{}, ErrContention
}

// Peek returns current usage without counting a request.
func (l *Ledger) Peek(ctx context.Context, callerKey string, service models.ServiceKey) (Usage, bool, error) {
	now := l.now()
	w, found, err := l.store.Get(ctx, windowKey(callerKey, service))
	if err != nil || !found || w.Expired(now) {
		return Usage{}, false, err
	}
	return usageOf(w, now), true, nil
}

// Reset drops the active window so the caller starts from zero.
func (l *Ledger) Reset(ctx context.Context, callerKey string, service models.ServiceKey) error {
	return l.store.Delete(ctx, windowKey(callerKey, service))
}

func usageOf(w Window, now time.Time) Usage {
	u := Usage{
		Allowed:   w.Count <= w.Limit,
		Count:     w.Count,
		Limit:     w.Limit,
		Remaining: max(w.Limit-w.Count, 0),
		ResetAt:   w.End(),
	}
	if !u.Allowed {
		u.RetryAfterSeconds = max(utils.CeilSeconds(w.End().Sub(now)), 1)
	}
	return u
}

func windowKey(callerKey string, service models.ServiceKey) string {
	return string(service) + "\x1f" + callerKey
}
