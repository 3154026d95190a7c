package quota

import (
	"context"
	"errors"
	"log/slog"

	"github.com/miradorstack/decision-core/internal/metrics"
	"github.com/miradorstack/decision-core/internal/models"
)

// Limiter resolves callers to tier limits and consults the ledger.
type Limiter struct {
	policy   *Policy
	ledger   *Ledger
	fallback *Ledger
	logger   *slog.Logger
}

// LimiterOption customises a Limiter.
type LimiterOption func(*Limiter)

// WithFallback sets a ledger used when the primary store fails, typically a
// process-local MemoryStore in front of Redis.
func WithFallback(ledger *Ledger) LimiterOption {
	return func(l *Limiter) { l.fallback = ledger }
}

// WithLogger sets the limiter logger.
func WithLogger(logger *slog.Logger) LimiterOption {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter constructs a Limiter.
func NewLimiter(policy *Policy, ledger *Ledger, opts ...LimiterOption) *Limiter {
	l := &Limiter{policy: policy, ledger: ledger, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request for identity on service.
func (l *Limiter) Check(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) (models.RateLimitResult, error) {
	tier := ResolveTier(identity)
	limit, err := l.policy.Lookup(tier, service)
	if err != nil {
		return models.RateLimitResult{}, err
	}
	callerKey := identity.CallerKey(service)

	usage, err := l.ledger.IncrementAndCheck(ctx, callerKey, service, limit.Limit, limit.WindowSeconds)
	if err != nil && l.fallback != nil && !isContextErr(err) {
		l.logger.Warn("quota store unavailable, using local fallback",
			slog.String("service", string(service)),
			slog.String("tier", string(tier)),
			slog.Any("error", err))
		metrics.ObserveRateLimitFallback()
		usage, err = l.fallback.IncrementAndCheck(ctx, callerKey, service, limit.Limit, limit.WindowSeconds)
	}
	if err != nil {
		return models.RateLimitResult{}, err
	}
	metrics.ObserveRateLimit(string(tier), usage.Allowed)

	return models.RateLimitResult{
		Allowed:           usage.Allowed,
		Limit:             usage.Limit,
		Remaining:         usage.Remaining,
		RetryAfterSeconds: usage.RetryAfterSeconds,
		ResetAt:           usage.ResetAt,
	}, nil
}

// Reset clears the caller's active window on service.
func (l *Limiter) Reset(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) error {
	callerKey := identity.CallerKey(service)
	err := l.ledger.Reset(ctx, callerKey, service)
	if l.fallback != nil {
		err = errors.Join(err, l.fallback.Reset(ctx, callerKey, service))
	}
	return err
}

// ResolveTier returns the tier used for limits; anonymous callers are always guests.
func ResolveTier(identity models.CallerIdentity) models.Tier {
	return identity.EffectiveTier()
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
