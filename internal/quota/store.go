// Package quota implements fixed-window quota accounting and tiered rate limiting.
package quota

import (
	"context"
	"time"
)

// Window is one fixed counting window for a (caller, service) pair.
type Window struct {
	Start         time.Time `json:"start"`
	Count         int64     `json:"count"`
	Limit         int64     `json:"limit"`
	WindowSeconds int64     `json:"window_seconds"`
}

// End is the instant the window stops counting.
func (w Window) End() time.Time {
	return w.Start.Add(time.Duration(w.WindowSeconds) * time.Second)
}

// Expired reports whether start + window_seconds <= now.
func (w Window) Expired(now time.Time) bool {
	return !now.Before(w.End())
}

// Store persists windows. Implementations must make CompareAndSwap atomic per
// key; the ledger relies on it instead of read-then-write.
type Store interface {
	Get(ctx context.Context, key string) (Window, bool, error)
	Set(ctx context.Context, key string, window Window) error
	// CompareAndSwap installs next only if the stored window still matches old.
	// A nil old means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, old *Window, next Window) (bool, error)
	Delete(ctx context.Context, key string) error
}

func sameWindow(old *Window, current Window, found bool) bool {
	if old == nil {
		return !found
	}
	return found && old.Start.Equal(current.Start) && old.Count == current.Count
}
