package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/miradorstack/decision-core/internal/models"
)

// FieldScorer reads a numeric payload field and maps it linearly to a signal.
type FieldScorer struct {
	name     string
	weight   float64
	path     string
	scale    float64
	offset   float64
	fallback *float64
}

// NewFieldScorer reads path (dotted for nested objects). A zero scale means 1.
// fallback, when set, is used for a missing field instead of failing.
func NewFieldScorer(name string, weight float64, path string, scale, offset float64, fallback *float64) *FieldScorer {
	if scale == 0 {
		scale = 1
	}
	return &FieldScorer{name: name, weight: weight, path: path, scale: scale, offset: offset, fallback: fallback}
}

func (s *FieldScorer) Name() string    { return s.name }
func (s *FieldScorer) Weight() float64 { return s.weight }

func (s *FieldScorer) Evaluate(_ context.Context, req models.DecisionRequest) (float64, error) {
	value, ok := numberAt(req.Payload, s.path)
	if !ok {
		if s.fallback != nil {
			return *s.fallback, nil
		}
		return 0, fmt.Errorf("payload field %q missing or not numeric", s.path)
	}
	return value*s.scale + s.offset, nil
}

func lookupPath(payload map[string]any, path string) (any, bool) {
	var current any = payload
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func numberAt(payload map[string]any, path string) (float64, bool) {
	raw, ok := lookupPath(payload, path)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
