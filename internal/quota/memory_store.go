package quota

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// MemoryStore keeps windows in process, sharded so unrelated keys never share a lock.
type MemoryStore struct {
	shards []memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemoryStore constructs a store with the given shard count (64 when <= 0).
func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = 64
	}
	entries := make([]memoryShard, shards)
	for i := range entries {
		entries[i] = memoryShard{windows: make(map[string]Window)}
	}
	return &MemoryStore{shards: entries}
}

// Get returns the stored window for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Window, bool, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	w, ok := shard.windows[key]
	return w, ok, nil
}

// Set overwrites the window for key.
func (s *MemoryStore) Set(_ context.Context, key string, window Window) error {
	shard := s.shardFor(key)
	shard.mu.Lock()
	shard.windows[key] = window
	shard.mu.Unlock()
	return nil
}

// CompareAndSwap installs next when the current window matches old.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, old *Window, next Window) (bool, error) {
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	current, found := shard.windows[key]
	if !sameWindow(old, current, found) {
		return false, nil
	}
	shard.windows[key] = next
	return true, nil
}

// Delete removes the window for key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	shard := s.shardFor(key)
	shard.mu.Lock()
	delete(shard.windows, key)
	shard.mu.Unlock()
	return nil
}

// Prune drops windows that expired before now and returns how many were removed.
func (s *MemoryStore) Prune(now time.Time) int {
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, w := range shard.windows {
			if w.Expired(now) {
				delete(shard.windows, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	if len(s.shards) == 1 {
		return &s.shards[0]
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return &s.shards[hasher.Sum32()%uint32(len(s.shards))]
}
