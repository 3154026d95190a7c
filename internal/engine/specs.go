package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/miradorstack/decision-core/internal/models"
	"github.com/miradorstack/decision-core/internal/repo"
)

// Scorer kinds that can be declared in configuration.
const (
	KindField  = "field"
	KindRules  = "rules"
	KindRemote = "http"
)

// ScorerSpec declares a scorer in configuration. Which fields apply depends on Kind.
type ScorerSpec struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
	Kind   string  `yaml:"kind"`

	// field
	Field   string   `yaml:"field"`
	Scale   float64  `yaml:"scale"`
	Offset  float64  `yaml:"offset"`
	Default *float64 `yaml:"default"`

	// rules
	RulesPath string `yaml:"rulesPath"`

	// http
	Endpoint string            `yaml:"endpoint"`
	Path     string            `yaml:"path"`
	Model    string            `yaml:"model"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
}

// Validate checks the spec without touching the filesystem or network.
func (s ScorerSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scorer name is required")
	}
	if s.Weight < 0 || s.Weight > 1 {
		return fmt.Errorf("scorer %s: weight %v outside [0,1]", s.Name, s.Weight)
	}
	switch s.Kind {
	case KindField:
		if s.Field == "" {
			return fmt.Errorf("scorer %s: field is required", s.Name)
		}
	case KindRules:
		if s.RulesPath == "" {
			return fmt.Errorf("scorer %s: rulesPath is required", s.Name)
		}
	case KindRemote:
		if s.Endpoint == "" {
			return fmt.Errorf("scorer %s: endpoint is required", s.Name)
		}
	default:
		return fmt.Errorf("scorer %s: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// BuildScorer turns a spec into a Scorer for service.
func BuildScorer(service models.ServiceKey, spec ScorerSpec, logger *slog.Logger) (Scorer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindField:
		return NewFieldScorer(spec.Name, spec.Weight, spec.Field, spec.Scale, spec.Offset, spec.Default), nil
	case KindRules:
		pack, err := LoadRules(spec.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("scorer %s: %w", spec.Name, err)
		}
		return NewRuleScorer(spec.Name, spec.Weight, pack, logger), nil
	default:
		timeout := spec.Timeout
		if timeout <= 0 {
			timeout = defaultScorerTimeout
		}
		client := repo.NewModelClient(spec.Endpoint, spec.Path, timeout, spec.Headers)
		return NewRemoteScorer(spec.Name, spec.Weight, spec.Model, service, client), nil
	}
}
