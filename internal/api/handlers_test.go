package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/decision-core/internal/engine"
	"github.com/miradorstack/decision-core/internal/models"
)

func TestFromProtoDecideRequest(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"service":    "fraud_analysis",
		"caller":     map[string]any{"id": "merchant-7", "tier": "premium"},
		"subject_id": "order-1",
		"payload":    map[string]any{"order": map[string]any{"total": 1500}},
	})
	require.NoError(t, err)

	call, err := FromProtoDecideRequest(req)
	require.NoError(t, err)
	assert.Equal(t, models.ServiceFraudAnalysis, call.Service)
	assert.Equal(t, models.CallerIdentity{ID: "merchant-7", Tier: models.TierPremium}, call.Identity)
	assert.Equal(t, "order-1", call.Request.SubjectID)
	assert.Equal(t, float64(1500), call.Request.Payload["order"].(map[string]any)["total"])
}

func TestFromProtoDecideRequestErrors(t *testing.T) {
	_, err := FromProtoDecideRequest(nil)
	assert.Error(t, err)

	missingService, _ := structpb.NewStruct(map[string]any{"payload": map[string]any{}})
	_, err = FromProtoDecideRequest(missingService)
	assert.Error(t, err)

	badTier, _ := structpb.NewStruct(map[string]any{"service": "chat", "caller": map[string]any{"tier": "vip"}})
	_, err = FromProtoDecideRequest(badTier)
	assert.Error(t, err)

	badPayload, _ := structpb.NewStruct(map[string]any{"service": "chat", "payload": "text"})
	_, err = FromProtoDecideRequest(badPayload)
	assert.Error(t, err)
}

func TestToProtoDecideResponse(t *testing.T) {
	res := engine.Result{
		Decision: models.Decision{
			ID:             "d-1",
			Category:       "fraud",
			Severe:         true,
			CompositeScore: 91,
			ContributingSignals: []models.ScorerResult{
				{ScorerName: "rules", Signal: 95, Weight: 0.6},
				{ScorerName: "velocity", Weight: 0.4, Error: "timeout"},
			},
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		RateLimit: models.RateLimitResult{Allowed: true, Limit: 200, Remaining: 10},
		Cached:    true,
	}

	out, err := ToProtoDecideResponse(res)
	require.NoError(t, err)
	decision := out.GetFields()["decision"].GetStructValue().GetFields()
	assert.Equal(t, "fraud", decision["category"].GetStringValue())
	assert.True(t, decision["severe"].GetBoolValue())
	assert.Equal(t, "2026-01-01T00:00:00Z", decision["created_at"].GetStringValue())
	signals := decision["contributing_signals"].GetListValue().GetValues()
	require.Len(t, signals, 2)
	assert.Equal(t, "timeout", signals[1].GetStructValue().GetFields()["error"].GetStringValue())
	assert.True(t, out.GetFields()["cached"].GetBoolValue())
}
