package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/decision-core/internal/cache"
	"github.com/miradorstack/decision-core/internal/metrics"
	"github.com/miradorstack/decision-core/internal/models"
)

// State is a step of the decision flow.
type State string

const (
	StateRateCheck   State = "RATE_CHECK"
	StateCacheLookup State = "CACHE_LOOKUP"
	StateCompute     State = "COMPUTE"
	StateDecided     State = "DECIDED"
	StateFanout      State = "FANOUT"
	StateRejected    State = "REJECTED"
	StateFailed      State = "FAILED"
)

const defaultFanoutTimeout = 5 * time.Second

// ErrDecisionUnavailable is what callers see when a decision could not be
// computed. The underlying cause is only logged.
var ErrDecisionUnavailable = errors.New("decision unavailable")

// RateLimitedError is returned when the caller exhausted its quota.
type RateLimitedError struct {
	Limit             int64
	RetryAfterSeconds int64
	ResetAt           time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit of %d exceeded, retry after %ds", e.Limit, e.RetryAfterSeconds)
}

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Check(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey) (models.RateLimitResult, error)
}

// DecisionCache deduplicates decision computations by fingerprint.
type DecisionCache interface {
	GetOrCompute(ctx context.Context, fingerprint string, ttl time.Duration, fn func(context.Context) (models.Decision, error)) (models.Decision, cache.Outcome, error)
	Invalidate(ctx context.Context, fingerprint string) error
}

// Distributor publishes a decision to its subscribers.
type Distributor interface {
	Publish(ctx context.Context, decision models.Decision) models.PublishReport
}

// Result is returned for every decided request.
type Result struct {
	Decision  models.Decision        `json:"decision"`
	RateLimit models.RateLimitResult `json:"rate_limit"`
	Cached    bool                   `json:"cached"`
}

// Pipeline runs rate check, cache lookup, aggregation and fanout.
type Pipeline struct {
	limiter       RateLimiter
	cache         DecisionCache
	aggregator    *Aggregator
	registry      *Registry
	distributor   Distributor
	fanoutTimeout time.Duration
	logger        *slog.Logger
	inflight      sync.WaitGroup
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithDistributor enables fanout of freshly computed decisions.
func WithDistributor(d Distributor) PipelineOption {
	return func(p *Pipeline) { p.distributor = d }
}

// WithFanoutTimeout bounds a whole fanout run.
func WithFanoutTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.fanoutTimeout = d
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs a decision pipeline.
func NewPipeline(limiter RateLimiter, decisions DecisionCache, aggregator *Aggregator, registry *Registry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		limiter:       limiter,
		cache:         decisions,
		aggregator:    aggregator,
		registry:      registry,
		fanoutTimeout: defaultFanoutTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Decide produces a decision for identity on service.
//
// A rejected caller gets a *RateLimitedError and nothing else runs. Concurrent
// identical requests share one computation, and only the caller that computed
// a decision triggers its fanout, in the background.
func (p *Pipeline) Decide(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) (Result, error) {
	start := time.Now()
	state := StateRateCheck
	defer func() {
		outcome := metrics.OutcomeFailed
		switch state {
		case StateDecided, StateFanout:
			outcome = metrics.OutcomeDecided
		case StateRejected:
			outcome = metrics.OutcomeRejected
		}
		metrics.ObserveDecision(string(service), time.Since(start), outcome)
	}()

	profile, ok := p.aggregator.Profile(service)
	if !ok {
		state = StateFailed
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	limit, err := p.limiter.Check(ctx, identity, service)
	if err != nil {
		state = StateFailed
		return Result{}, fmt.Errorf("rate check: %w", err)
	}
	if !limit.Allowed {
		state = StateRejected
		p.logger.Debug("decision rejected by rate limit",
			slog.String("service", string(service)),
			slog.String("caller", identity.CallerKey(service)),
			slog.Int64("retry_after_seconds", limit.RetryAfterSeconds))
		return Result{RateLimit: limit}, &RateLimitedError{
			Limit:             limit.Limit,
			RetryAfterSeconds: limit.RetryAfterSeconds,
			ResetAt:           limit.ResetAt,
		}
	}

	state = StateCacheLookup
	fingerprint, err := requestFingerprint(profile, identity, service, req)
	if err != nil {
		state = StateFailed
		p.logger.Warn("decision fingerprint failed", slog.String("service", string(service)), slog.Any("error", err))
		return Result{RateLimit: limit}, fmt.Errorf("%w: %w", ErrDecisionUnavailable, err)
	}

	decision, outcome, err := p.cache.GetOrCompute(ctx, fingerprint, profile.CacheTTL, func(computeCtx context.Context) (models.Decision, error) {
		return p.aggregator.Evaluate(computeCtx, service, req, p.registry.Scorers(service))
	})
	metrics.ObserveCacheLookup(outcome.String())
	if err != nil {
		state = StateFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Result{RateLimit: limit}, err
		}
		p.logger.Error("decision computation failed",
			slog.String("service", string(service)),
			slog.String("fingerprint", fingerprint),
			slog.Any("error", err))
		return Result{RateLimit: limit}, fmt.Errorf("%w: %w", ErrDecisionUnavailable, err)
	}

	state = StateDecided
	if outcome == cache.OutcomeComputed && p.distributor != nil {
		state = StateFanout
		p.fanout(decision.Clone())
	}

	return Result{Decision: decision.Clone(), RateLimit: limit, Cached: outcome != cache.OutcomeComputed}, nil
}

// Invalidate drops the cached decision that req would be served.
// The next identical request recomputes and fans out again.
func (p *Pipeline) Invalidate(ctx context.Context, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) error {
	profile, ok := p.aggregator.Profile(service)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	fingerprint, err := requestFingerprint(profile, identity, service, req)
	if err != nil {
		return err
	}
	return p.cache.Invalidate(ctx, fingerprint)
}

// Wait blocks until every background fanout started so far has finished.
func (p *Pipeline) Wait() {
	p.inflight.Wait()
}

func (p *Pipeline) fanout(decision models.Decision) {
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("decision fanout panicked",
					slog.String("decision_id", decision.ID),
					slog.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), p.fanoutTimeout)
		defer cancel()
		report := p.distributor.Publish(ctx, decision)
		if len(report.Failed) > 0 {
			p.logger.Warn("decision fanout incomplete",
				slog.String("decision_id", decision.ID),
				slog.Int("attempted", len(report.Attempted)),
				slog.Any("failed", report.Failed))
		}
	}()
}

func requestFingerprint(profile Profile, identity models.CallerIdentity, service models.ServiceKey, req models.DecisionRequest) (string, error) {
	scope := ""
	if profile.CallerScoped {
		scope = identity.CallerKey(service)
	}
	return Fingerprint(service, scope, req)
}
