package engine

import (
	"context"

	"github.com/miradorstack/decision-core/internal/models"
)

// ModelClient is the remote model call used by RemoteScorer.
type ModelClient interface {
	Score(ctx context.Context, model, service, subjectID string, payload map[string]any) (float64, error)
}

// RemoteScorer delegates scoring to an external model endpoint.
type RemoteScorer struct {
	name    string
	weight  float64
	model   string
	service models.ServiceKey
	client  ModelClient
}

// NewRemoteScorer constructs a scorer backed by client. model defaults to name.
func NewRemoteScorer(name string, weight float64, model string, service models.ServiceKey, client ModelClient) *RemoteScorer {
	if model == "" {
		model = name
	}
	return &RemoteScorer{name: name, weight: weight, model: model, service: service, client: client}
}

func (s *RemoteScorer) Name() string    { return s.name }
func (s *RemoteScorer) Weight() float64 { return s.weight }

func (s *RemoteScorer) Evaluate(ctx context.Context, req models.DecisionRequest) (float64, error) {
	return s.client.Score(ctx, s.model, string(s.service), req.SubjectID, req.Payload)
}
