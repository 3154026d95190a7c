package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/decision-core/internal/metrics"
	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/utils"
)

const defaultScorerTimeout = 2 * time.Second

var (
	// ErrNoSignals means no scorer contributed any weight to the composite.
	ErrNoSignals = errors.New("no scorer produced a usable signal")
	// ErrUnknownService is returned for a service without a profile.
	ErrUnknownService = errors.New("unknown service")
)

// Profile holds the per-service knobs the aggregator and pipeline need.
type Profile struct {
	Bands         *Bands
	ScorerTimeout time.Duration
	CacheTTL      time.Duration
	// CallerScoped folds the caller key into the fingerprint so callers never
	// share cached decisions.
	CallerScoped bool
}

// Aggregator blends scorer signals into a categorised decision.
type Aggregator struct {
	profiles map[models.ServiceKey]Profile
	now      utils.Clock
	newID    func() string
	logger   *slog.Logger
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock sets the clock stamped on decisions.
func WithAggregatorClock(now utils.Clock) AggregatorOption {
	return func(a *Aggregator) { a.now = now.OrSystem() }
}

// WithIDGenerator overrides decision id generation.
func WithIDGenerator(fn func() string) AggregatorOption {
	return func(a *Aggregator) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator validates profiles and constructs an Aggregator.
func NewAggregator(profiles map[models.ServiceKey]Profile, opts ...AggregatorOption) (*Aggregator, error) {
	copied := make(map[models.ServiceKey]Profile, len(profiles))
	for service, profile := range profiles {
		if profile.Bands == nil {
			return nil, fmt.Errorf("service %s: bands are required", service)
		}
		if profile.ScorerTimeout <= 0 {
			profile.ScorerTimeout = defaultScorerTimeout
		}
		copied[service] = profile
	}
	a := &Aggregator{
		profiles: copied,
		now:      utils.SystemClock,
		newID:    uuid.NewString,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Profile returns the profile registered for service.
func (a *Aggregator) Profile(service models.ServiceKey) (Profile, bool) {
	profile, ok := a.profiles[service]
	return profile, ok
}

// Evaluate runs every scorer concurrently and classifies the weighted mean of
// the successful signals. Failed scorers are reported in ContributingSignals
// and their weight is dropped rather than redistributed.
func (a *Aggregator) Evaluate(ctx context.Context, service models.ServiceKey, req models.DecisionRequest, scorers []Scorer) (models.Decision, error) {
	profile, ok := a.profiles[service]
	if !ok {
		return models.Decision{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	results := make([]models.ScorerResult, len(scorers))
	var wg sync.WaitGroup
	for i, scorer := range scorers {
		wg.Add(1)
		go func(i int, scorer Scorer) {
			defer wg.Done()
			results[i] = runScorer(ctx, scorer, req, profile.ScorerTimeout)
		}(i, scorer)
	}
	wg.Wait()

	var weighted, totalWeight Decimal
	var failed []string
	for _, result := range results {
		if !result.Succeeded() {
			failed = append(failed, result.ScorerName)
			metrics.ObserveScorerFailure(string(service), result.ScorerName)
			a.logger.Warn("scorer excluded",
				slog.String("service", string(service)),
				slog.String("scorer", result.ScorerName),
				slog.String("error", result.Error))
			continue
		}
		signal, _ := DecimalFromFloat(result.Signal)
		weight, _ := DecimalFromFloat(result.Weight)
		weighted = weighted.Add(signal.Mul(weight))
		totalWeight = totalWeight.Add(weight)
	}
	if totalWeight.IsZero() {
		if len(failed) > 0 {
			return models.Decision{}, fmt.Errorf("%w (failed: %s)", ErrNoSignals, strings.Join(failed, ", "))
		}
		return models.Decision{}, ErrNoSignals
	}

	composite := weighted.Quo(totalWeight)
	band, err := profile.Bands.Classify(composite)
	if err != nil {
		return models.Decision{}, err
	}

	return models.Decision{
		ID:                  a.newID(),
		Service:             service,
		Category:            band.Category,
		Severe:              band.Severe,
		CompositeScore:      composite.Float64(),
		ContributingSignals: results,
		SubjectID:           req.SubjectID,
		CreatedAt:           a.now(),
	}, nil
}

func runScorer(ctx context.Context, scorer Scorer, req models.DecisionRequest, timeout time.Duration) models.ScorerResult {
	result := models.ScorerResult{ScorerName: scorer.Name(), Weight: scorer.Weight()}
	if w := result.Weight; math.IsNaN(w) || w < 0 || w > 1 {
		result.Error = fmt.Sprintf("invalid weight %v", w)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		signal float64
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("scorer panicked: %v", r)}
			}
		}()
		signal, err := scorer.Evaluate(ctx, req)
		done <- outcome{signal: signal, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.err != nil:
			result.Error = out.err.Error()
		case math.IsNaN(out.signal) || math.IsInf(out.signal, 0):
			result.Error = fmt.Sprintf("invalid signal %v", out.signal)
		default:
			result.Signal = out.signal
		}
	case <-ctx.Done():
		result.Error = fmt.Sprintf("scorer timed out: %v", ctx.Err())
	}
	return result
}
