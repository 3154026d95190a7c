package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

func fixedScorer(name string, weight, signal float64) Scorer {
	return NewScoreFunc(name, weight, func(context.Context, models.DecisionRequest) (float64, error) {
		return signal, nil
	})
}

func failingScorer(name string, weight float64) Scorer {
	return NewScoreFunc(name, weight, func(context.Context, models.DecisionRequest) (float64, error) {
		return 0, errors.New("model offline")
	})
}

func recommendationBands(t *testing.T) *Bands {
	t.Helper()
	bands, err := NewBands([]Band{
		{Min: 0, Max: 40, Category: "low"},
		{Min: 40, Max: 60, Category: "medium"},
		{Min: 60, Max: 80, Category: "high"},
		{Min: 80, Max: 100, Category: "critical", Severe: true},
	})
	require.NoError(t, err)
	return bands
}

func newTestAggregator(t *testing.T, timeout time.Duration) *Aggregator {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	agg, err := NewAggregator(map[models.ServiceKey]Profile{
		models.ServiceRecommendations: {Bands: recommendationBands(t), ScorerTimeout: timeout, CacheTTL: time.Minute},
	},
		WithAggregatorClock(func() time.Time { return now }),
		WithIDGenerator(func() string { return "decision-1" }),
	)
	require.NoError(t, err)
	return agg
}

func TestAggregatorWorkedExample(t *testing.T) {
	// Arrange
	agg := newTestAggregator(t, time.Second)
	scorers := []Scorer{
		fixedScorer("affinity", 0.4, 70),
		fixedScorer("popularity", 0.3, 85),
		fixedScorer("freshness", 0.3, 60),
	}

	// Act
	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{SubjectID: "u-1"}, scorers)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 71.5, decision.CompositeScore)
	assert.Equal(t, "high", decision.Category)
	assert.False(t, decision.Severe)
	assert.Equal(t, "decision-1", decision.ID)
	assert.Equal(t, "u-1", decision.SubjectID)
	require.Len(t, decision.ContributingSignals, 3)
	assert.Equal(t, []string{"affinity", "popularity", "freshness"}, scorerNames(decision.ContributingSignals))
}

func TestAggregatorIsDeterministic(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	scorers := []Scorer{
		fixedScorer("a", 0.1, 33.3),
		fixedScorer("b", 0.2, 66.6),
		fixedScorer("c", 0.7, 50.05),
	}

	first, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{}, scorers)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{}, scorers)
		require.NoError(t, err)
		assert.Equal(t, first.CompositeScore, again.CompositeScore)
		assert.Equal(t, first.Category, again.Category)
	}
}

func TestAggregatorExcludesFailedScorerWithoutDilution(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	third := 1.0 / 3
	scorers := []Scorer{
		fixedScorer("a", third, 50),
		failingScorer("b", third),
		fixedScorer("c", third, 70),
	}

	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{}, scorers)

	require.NoError(t, err)
	assert.InDelta(t, 60.0, decision.CompositeScore, 1e-9)
	assert.Equal(t, "high", decision.Category)
	require.Len(t, decision.ContributingSignals, 3)
	assert.Equal(t, "b", decision.ContributingSignals[1].ScorerName)
	assert.False(t, decision.ContributingSignals[1].Succeeded())
	assert.Contains(t, decision.ContributingSignals[1].Error, "model offline")
}

func TestAggregatorBoundaryGoesToHigherBand(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	cases := []struct {
		signal   float64
		category string
		severe   bool
	}{
		{signal: 0, category: "low"},
		{signal: 40, category: "medium"},
		{signal: 60, category: "high"},
		{signal: 80, category: "critical", severe: true},
		{signal: 100, category: "critical", severe: true},
	}
	for _, tc := range cases {
		decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
			[]Scorer{fixedScorer("a", 0.5, tc.signal), fixedScorer("b", 0.5, tc.signal)})
		require.NoError(t, err)
		assert.Equal(t, tc.category, decision.Category, "signal %v", tc.signal)
		assert.Equal(t, tc.severe, decision.Severe, "signal %v", tc.signal)
	}
}

func TestAggregatorBoundaryIsExactWithDecimalWeights(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	// 0.1*20 + 0.2*50 + 0.7*40 is exactly 40, the medium band edge.
	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{}, []Scorer{
		fixedScorer("a", 0.1, 20),
		fixedScorer("b", 0.2, 50),
		fixedScorer("c", 0.7, 40),
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, decision.CompositeScore)
	assert.Equal(t, "medium", decision.Category)
}

func TestAggregatorScorerTimeoutIsFailure(t *testing.T) {
	agg := newTestAggregator(t, 20*time.Millisecond)
	slow := NewScoreFunc("slow", 0.5, func(ctx context.Context, _ models.DecisionRequest) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
		[]Scorer{slow, fixedScorer("fast", 0.5, 90)})

	require.NoError(t, err)
	assert.Equal(t, 90.0, decision.CompositeScore)
	assert.False(t, decision.ContributingSignals[0].Succeeded())
}

func TestAggregatorInvalidWeightFailsOnlyThatScorer(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
		[]Scorer{fixedScorer("heavy", 1.5, 10), fixedScorer("ok", 0.5, 50)})

	require.NoError(t, err)
	assert.Equal(t, 50.0, decision.CompositeScore)
	assert.Contains(t, decision.ContributingSignals[0].Error, "invalid weight")
}

func TestAggregatorNoSignals(t *testing.T) {
	agg := newTestAggregator(t, time.Second)

	t.Run("all failed", func(t *testing.T) {
		_, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
			[]Scorer{failingScorer("a", 0.5), failingScorer("b", 0.5)})
		assert.ErrorIs(t, err, ErrNoSignals)
	})

	t.Run("zero weight", func(t *testing.T) {
		_, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
			[]Scorer{fixedScorer("a", 0, 50)})
		assert.ErrorIs(t, err, ErrNoSignals)
	})

	t.Run("no scorers", func(t *testing.T) {
		_, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{}, nil)
		assert.ErrorIs(t, err, ErrNoSignals)
	})
}

func TestAggregatorOutOfBandsAndUnknownService(t *testing.T) {
	agg := newTestAggregator(t, time.Second)

	_, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
		[]Scorer{fixedScorer("a", 1, 120)})
	assert.ErrorIs(t, err, ErrScoreOutOfBands)

	_, err = agg.Evaluate(context.Background(), models.ServiceChat, models.DecisionRequest{},
		[]Scorer{fixedScorer("a", 1, 50)})
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestAggregatorRecoversScorerPanic(t *testing.T) {
	agg := newTestAggregator(t, time.Second)
	boom := NewScoreFunc("boom", 0.5, func(context.Context, models.DecisionRequest) (float64, error) {
		panic("nil map")
	})
	decision, err := agg.Evaluate(context.Background(), models.ServiceRecommendations, models.DecisionRequest{},
		[]Scorer{boom, fixedScorer("ok", 0.5, 10)})
	require.NoError(t, err)
	assert.Equal(t, "low", decision.Category)
	assert.Contains(t, decision.ContributingSignals[0].Error, "panicked")
}

func scorerNames(results []models.ScorerResult) []string {
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.ScorerName)
	}
	return names
}
