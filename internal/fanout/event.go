// Package fanout routes decisions to real-time channels and publishes them.
package fanout

import (
	"context"
	"time"

	"github.com/miradorstack/decision-core/internal/models"
)

// EventDecision is the type of every event published for a decision.
const EventDecision = "decision"

// Event is the message delivered on a channel.
type Event struct {
	Type        string          `json:"type"`
	Channel     string          `json:"channel"`
	Audience    models.Audience `json:"audience"`
	Decision    models.Decision `json:"decision"`
	PublishedAt time.Time       `json:"published_at"`
}

// Publisher delivers an event to one channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}
