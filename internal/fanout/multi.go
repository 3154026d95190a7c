package fanout

import (
	"context"
	"errors"
)

// Multi publishes every event to each of its publishers.
type Multi []Publisher

// Publish tries every publisher and joins their errors.
func (m Multi) Publish(ctx context.Context, channel string, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, channel, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
