package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/miradorstack/decision-core/internal/models"
)

// Scorer produces one signal for a decision request. Implementations must be
// safe for concurrent use and should honour ctx cancellation.
type Scorer interface {
	Name() string
	Weight() float64
	Evaluate(ctx context.Context, req models.DecisionRequest) (float64, error)
}

// ScoreFunc adapts a function to the Scorer interface.
type ScoreFunc struct {
	name   string
	weight float64
	fn     func(ctx context.Context, req models.DecisionRequest) (float64, error)
}

// NewScoreFunc wraps fn as a named, weighted scorer.
func NewScoreFunc(name string, weight float64, fn func(ctx context.Context, req models.DecisionRequest) (float64, error)) *ScoreFunc {
	return &ScoreFunc{name: name, weight: weight, fn: fn}
}

func (s *ScoreFunc) Name() string    { return s.name }
func (s *ScoreFunc) Weight() float64 { return s.weight }

func (s *ScoreFunc) Evaluate(ctx context.Context, req models.DecisionRequest) (float64, error) {
	return s.fn(ctx, req)
}

// ErrDuplicateScorer is returned when a service already has a scorer with the same name.
var ErrDuplicateScorer = errors.New("scorer already registered")

// Registry holds the scorers of each service in registration order.
type Registry struct {
	mu        sync.RWMutex
	byService map[models.ServiceKey][]Scorer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byService: make(map[models.ServiceKey][]Scorer)}
}

// Register appends scorer to service.
func (r *Registry) Register(service models.ServiceKey, scorer Scorer) error {
	if scorer == nil {
		return fmt.Errorf("register scorer for %s: nil scorer", service)
	}
	if scorer.Name() == "" {
		return fmt.Errorf("register scorer for %s: empty name", service)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byService[service] {
		if existing.Name() == scorer.Name() {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateScorer, service, scorer.Name())
		}
	}
	r.byService[service] = append(r.byService[service], scorer)
	return nil
}

// Scorers returns a copy of the scorers registered for service.
func (r *Registry) Scorers(service models.ServiceKey) []Scorer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Scorer(nil), r.byService[service]...)
}
