package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/decision-core/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func fraudRoutes(t *testing.T) *Router {
	t.Helper()
	router, err := NewRouter([]Route{
		{Category: "*", Channels: []string{"decisions.{service}"}},
		{Severe: boolPtr(true), Channels: []string{"ops.alerts", "user.{subject_id}"}},
		{Category: "review", Service: "fraud_analysis", Channels: []string{"ops.review", "ops.alerts"}},
	})
	require.NoError(t, err)
	return router
}

func TestRouterResolve(t *testing.T) {
	router := fraudRoutes(t)

	cases := []struct {
		name     string
		decision models.Decision
		want     []models.ChannelTarget
	}{
		{
			name:     "routine decision only reaches the service feed",
			decision: models.Decision{Service: models.ServiceFraudAnalysis, Category: "legit", SubjectID: "order-1"},
			want: []models.ChannelTarget{
				{ChannelKey: "decisions.fraud_analysis", Audience: models.AudienceBroadcastGroup},
			},
		},
		{
			name:     "severe decision reaches ops and the subject",
			decision: models.Decision{Service: models.ServiceFraudAnalysis, Category: "fraud", Severe: true, SubjectID: "order-1"},
			want: []models.ChannelTarget{
				{ChannelKey: "decisions.fraud_analysis", Audience: models.AudienceBroadcastGroup},
				{ChannelKey: "ops.alerts", Audience: models.AudienceBroadcastGroup},
				{ChannelKey: "user.order-1", Audience: models.AudienceSingleRecipient},
			},
		},
		{
			name:     "subject template skipped without subject",
			decision: models.Decision{Service: models.ServiceFraudAnalysis, Category: "fraud", Severe: true},
			want: []models.ChannelTarget{
				{ChannelKey: "decisions.fraud_analysis", Audience: models.AudienceBroadcastGroup},
				{ChannelKey: "ops.alerts", Audience: models.AudienceBroadcastGroup},
			},
		},
		{
			name:     "duplicate channels collapse",
			decision: models.Decision{Service: models.ServiceFraudAnalysis, Category: "review", Severe: true, SubjectID: "o"},
			want: []models.ChannelTarget{
				{ChannelKey: "decisions.fraud_analysis", Audience: models.AudienceBroadcastGroup},
				{ChannelKey: "ops.alerts", Audience: models.AudienceBroadcastGroup},
				{ChannelKey: "user.o", Audience: models.AudienceSingleRecipient},
				{ChannelKey: "ops.review", Audience: models.AudienceBroadcastGroup},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, router.Resolve(tc.decision))
			// Resolution is a pure function of the decision.
			assert.Equal(t, router.Resolve(tc.decision), router.Resolve(tc.decision))
		})
	}
}

func TestNewRouterValidation(t *testing.T) {
	_, err := NewRouter([]Route{{Category: "x"}})
	assert.Error(t, err)

	_, err = NewRouter([]Route{{Channels: []string{"user.{user}"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown placeholder")

	router, err := NewRouter(nil)
	require.NoError(t, err)
	assert.Empty(t, router.Resolve(models.Decision{Category: "x"}))
}
