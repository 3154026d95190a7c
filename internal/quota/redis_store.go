package quota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps windows in Redis so replicas share one budget per caller.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing client. Keys are namespaced with prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "decision-core:quota:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Get loads the window stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (Window, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	return decodeWindow(data, err)
}

// Set stores the window and expires the key when the window ends.
func (s *RedisStore) Set(ctx context.Context, key string, window Window) error {
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("encode window: %w", err)
	}
	full := s.prefix + key
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, full, data, 0)
		pipe.PExpireAt(ctx, full, window.End())
		return nil
	})
	return err
}

// CompareAndSwap uses WATCH/MULTI so a concurrent writer aborts the transaction.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old *Window, next Window) (bool, error) {
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode window: %w", err)
	}
	full := s.prefix + key
	swapped := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, getErr := tx.Get(ctx, full).Bytes()
		current, found, err := decodeWindow(raw, getErr)
		if err != nil {
			return err
		}
		if !sameWindow(old, current, found) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, data, 0)
			pipe.PExpireAt(ctx, full, next.End())
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, full)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

// Delete removes the window stored under key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func decodeWindow(data []byte, err error) (Window, bool, error) {
	if errors.Is(err, redis.Nil) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}
	var w Window
	if err := json.Unmarshal(data, &w); err != nil {
		return Window{}, false, fmt.Errorf("decode window: %w", err)
	}
	return w, true, nil
}
