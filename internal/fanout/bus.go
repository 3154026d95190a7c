package fanout

import (
	"context"
	"errors"
	"sync"
)

// Bus delivers events to in-process subscribers. Handlers run on the
// publisher's goroutine and must not block.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscription
	next int
}

type subscription struct {
	ctx     context.Context
	handler func(context.Context, Event)
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

// Subscribe registers handler for channel until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler func(context.Context, Event)) error {
	if b == nil {
		return errors.New("bus is nil")
	}
	if channel == "" {
		return errors.New("channel is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]*subscription)
	}
	b.subs[channel][id] = &subscription{ctx: ctx, handler: handler}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, id)
	}()
	return nil
}

// Publish hands event to the channel's current subscribers. A channel with no
// subscribers is not an error.
func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	if b == nil {
		return errors.New("bus is nil")
	}
	if channel == "" {
		return errors.New("channel is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs[channel]))
	for _, sub := range b.subs[channel] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.ctx.Err() != nil {
			continue
		}
		sub.handler(sub.ctx, event)
	}
	return nil
}

// Subscribers returns how many handlers listen on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

func (b *Bus) remove(channel string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[channel]
	if subs == nil {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, channel)
	}
}
