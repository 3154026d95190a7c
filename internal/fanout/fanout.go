package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/decision-core/internal/metrics"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/utils"
)

const defaultPublishTimeout = 2 * time.Second

// Fanout publishes each decision to the channels its router resolves.
type Fanout struct {
	router    *Router
	publisher Publisher
	timeout   time.Duration
	now       utils.Clock
	logger    *slog.Logger
}

// Option customises a Fanout.
type Option func(*Fanout)

// WithPublishTimeout bounds each channel publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithClock sets the clock stamped on events.
func WithClock(now utils.Clock) Option {
	return func(f *Fanout) { f.now = now.OrSystem() }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fanout) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a Fanout.
func New(router *Router, publisher Publisher, opts ...Option) *Fanout {
	f := &Fanout{
		router:    router,
		publisher: publisher,
		timeout:   defaultPublishTimeout,
		now:       utils.SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish sends decision to every resolved channel concurrently. A failing
// channel is recorded in the report and never affects the others.
func (f *Fanout) Publish(ctx context.Context, decision models.Decision) models.PublishReport {
	targets := f.router.Resolve(decision)
	report := models.PublishReport{
		Attempted: make([]string, 0, len(targets)),
		Succeeded: make([]string, 0, len(targets)),
	}
	errs := make([]error, len(targets))
	publishedAt := f.now()

	var wg sync.WaitGroup
	for i, target := range targets {
		report.Attempted = append(report.Attempted, target.ChannelKey)
		event := Event{
			Type:        EventDecision,
			Channel:     target.ChannelKey,
			Audience:    target.Audience,
			Decision:    decision.Clone(),
			PublishedAt: publishedAt,
		}
		wg.Add(1)
		go func(i int, event Event) {
			defer wg.Done()
			errs[i] = f.publishOne(ctx, event)
		}(i, event)
	}
	wg.Wait()

	for i, target := range targets {
		metrics.ObserveFanout(errs[i] == nil)
		if errs[i] == nil {
			report.Succeeded = append(report.Succeeded, target.ChannelKey)
			continue
		}
		if report.Failed == nil {
			report.Failed = make(map[string]string)
		}
		report.Failed[target.ChannelKey] = errs[i].Error()
		f.logger.Warn("fanout publish failed",
			slog.String("decision_id", decision.ID),
			slog.String("channel", target.ChannelKey),
			slog.Any("error", errs[i]))
	}
	return report
}

func (f *Fanout) publishOne(ctx context.Context, event Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("publisher panicked: %v", r)
			}
		}()
		done <- f.publisher.Publish(ctx, event.Channel, event)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("publish timed out: %w", ctx.Err())
	}
}
