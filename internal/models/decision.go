package models

import "time"

// DecisionRequest is the service-specific payload submitted for a decision.
// Payload is expected to be validated upstream.
type DecisionRequest struct {
	SubjectID string         `json:"subject_id"`
	Payload   map[string]any `json:"payload"`
}

// ScorerResult is the signal one scorer contributed to a decision.
type ScorerResult struct {
	ScorerName string  `json:"scorer_name"`
	Signal     float64 `json:"signal"`
	Weight     float64 `json:"weight"`
	Error      string  `json:"error,omitempty"`
}

// Succeeded reports whether the scorer contributed to the composite score.
func (r ScorerResult) Succeeded() bool {
	return r.Error == ""
}

// Decision is the immutable outcome of aggregating scorer signals.
type Decision struct {
	ID                  string         `json:"id"`
	Service             ServiceKey     `json:"service"`
	Category            string         `json:"category"`
	Severe              bool           `json:"severe"`
	CompositeScore      float64        `json:"composite_score"`
	ContributingSignals []ScorerResult `json:"contributing_signals"`
	SubjectID           string         `json:"subject_id"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Clone returns a copy that does not share the signals slice.
func (d Decision) Clone() Decision {
	d.ContributingSignals = append([]ScorerResult(nil), d.ContributingSignals...)
	return d
}

// RateLimitResult carries quota metadata for the caller.
type RateLimitResult struct {
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at"`
}
