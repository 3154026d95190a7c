package quota

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

var testServices = []models.ServiceKey{models.ServiceRecommendations, models.ServiceFraudAnalysis}

func testTable() map[models.Tier]map[models.ServiceKey]Limit {
	table := make(map[models.Tier]map[models.ServiceKey]Limit)
	for i, tier := range models.Tiers {
		table[tier] = map[models.ServiceKey]Limit{
			models.ServiceRecommendations: {Limit: int64(10 * (i + 1)), WindowSeconds: 60},
			models.ServiceFraudAnalysis:   {Limit: 5, WindowSeconds: 60},
		}
	}
	table[models.TierCustomer][models.ServiceRecommendations] = Limit{Limit: 30, WindowSeconds: 60}
	return table
}

func TestNewPolicyRejectsMissingCombinations(t *testing.T) {
	table := testTable()
	delete(table[models.TierPremium], models.ServiceFraudAnalysis)
	delete(table, models.TierAdmin)

	_, err := NewPolicy(table, testServices)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "premium/fraud_analysis missing")
	assert.Contains(t, err.Error(), `tier "admin" missing`)
}

func TestNewPolicyRejectsZeroLimits(t *testing.T) {
	table := testTable()
	table[models.TierGuest][models.ServiceFraudAnalysis] = Limit{Limit: 0, WindowSeconds: 60}

	_, err := NewPolicy(table, testServices)
	require.Error(t, err)
}

func TestLimiterCustomerScenario(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	clock := newFakeClock()
	limiter := NewLimiter(policy, NewLedger(NewMemoryStore(0), clock.Now))

	identity := models.CallerIdentity{ID: "user-42", Tier: models.TierCustomer}
	ctx := context.Background()
	for i := 1; i <= 30; i++ {
		res, err := limiter.Check(ctx, identity, models.ServiceRecommendations)
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(30), res.Limit)
		assert.Equal(t, int64(30-i), res.Remaining)
	}
	clock.Advance(12 * time.Second)

	res, err := limiter.Check(ctx, identity, models.ServiceRecommendations)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(48), res.RetryAfterSeconds)
	assert.Equal(t, clock.Now().Add(48*time.Second), res.ResetAt)
}

func TestLimiterAnonymousCallersKeyedByIP(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	limiter := NewLimiter(policy, NewLedger(NewMemoryStore(0), nil))
	ctx := context.Background()

	// An anonymous caller claiming premium still gets guest limits.
	anon := models.CallerIdentity{Tier: models.TierPremium, ClientIP: "10.0.0.1"}
	assert.Equal(t, "fraud_analysis:guest:10.0.0.1", anon.CallerKey(models.ServiceFraudAnalysis))
	assert.Equal(t, models.TierGuest, ResolveTier(anon))

	for i := 0; i < 5; i++ {
		res, err := limiter.Check(ctx, anon, models.ServiceFraudAnalysis)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.Check(ctx, anon, models.ServiceFraudAnalysis)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	other := models.CallerIdentity{ClientIP: "10.0.0.2"}
	res, err = limiter.Check(ctx, other, models.ServiceFraudAnalysis)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiterMissingTierIsKeyedAsGuest(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	limiter := NewLimiter(policy, NewLedger(NewMemoryStore(0), nil))
	ctx := context.Background()

	untiered := models.CallerIdentity{ID: "user-7"}
	guest := models.CallerIdentity{ID: "user-7", Tier: models.TierGuest}
	assert.Equal(t, "recommendations:guest:user-7", untiered.CallerKey(models.ServiceRecommendations))
	assert.Equal(t, guest.CallerKey(models.ServiceRecommendations), untiered.CallerKey(models.ServiceRecommendations))

	// Guest limit on recommendations is 10; both identities draw from one window.
	for i := 0; i < 5; i++ {
		_, err := limiter.Check(ctx, untiered, models.ServiceRecommendations)
		require.NoError(t, err)
		_, err = limiter.Check(ctx, guest, models.ServiceRecommendations)
		require.NoError(t, err)
	}
	res, err := limiter.Check(ctx, untiered, models.ServiceRecommendations)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(10), res.Limit)
}

func TestLimiterUnknownService(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	limiter := NewLimiter(policy, NewLedger(nil, nil))

	_, err = limiter.Check(context.Background(), models.CallerIdentity{ID: "u", Tier: models.TierAdmin}, "unknown")
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}

func TestLimiterFallsBackWhenStoreFails(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	primary := &failingStore{}
	limiter := NewLimiter(policy, NewLedger(primary, nil), WithFallback(NewLedger(NewMemoryStore(1), nil)))
	identity := models.CallerIdentity{ID: "u", Tier: models.TierGuest}

	for i := 0; i < 5; i++ {
		res, err := limiter.Check(context.Background(), identity, models.ServiceFraudAnalysis)
		require.NoError(t, err, fmt.Sprintf("request %d", i))
		require.True(t, res.Allowed)
	}
	res, err := limiter.Check(context.Background(), identity, models.ServiceFraudAnalysis)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, primary.calls.Load())
}

func TestLimiterWithoutFallbackSurfacesStoreError(t *testing.T) {
	policy, err := NewPolicy(testTable(), testServices)
	require.NoError(t, err)
	limiter := NewLimiter(policy, NewLedger(&failingStore{}, nil))

	_, err = limiter.Check(context.Background(), models.CallerIdentity{ID: "u", Tier: models.TierGuest}, models.ServiceFraudAnalysis)
	assert.Error(t, err)
}
