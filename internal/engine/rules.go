package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/decision-core/internal/models"
)

// Rule adds Signal to the score when every populated match clause holds.
type Rule struct {
	ID     string    `yaml:"id"`
	Match  RuleMatch `yaml:"match"`
	Signal float64   `yaml:"signal"`
}

// RuleMatch defines optional attributes for rule matching. Keys are dotted
// payload paths.
type RuleMatch struct {
	Equals   map[string]string   `yaml:"equals"`
	Contains map[string][]string `yaml:"contains"`
	Above    map[string]float64  `yaml:"above"`
	Below    map[string]float64  `yaml:"below"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Base  float64 `yaml:"base"`
	Rules []Rule  `yaml:"rules"`
}

// LoadRules reads a rule pack from path.
func LoadRules(path string) (RuleConfigFile, error) {
	var cfg RuleConfigFile
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return cfg, nil
}

// RuleScorer scores a request as base plus the signals of every matching rule.
type RuleScorer struct {
	name   string
	weight float64
	base   float64
	rules  []Rule
	logger *slog.Logger
}

// NewRuleScorer constructs a rule-pack scorer.
func NewRuleScorer(name string, weight float64, pack RuleConfigFile, logger *slog.Logger) *RuleScorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleScorer{name: name, weight: weight, base: pack.Base, rules: pack.Rules, logger: logger}
}

func (s *RuleScorer) Name() string    { return s.name }
func (s *RuleScorer) Weight() float64 { return s.weight }

func (s *RuleScorer) Evaluate(ctx context.Context, req models.DecisionRequest) (float64, error) {
	signal := s.base
	matched := make([]string, 0)
	for _, rule := range s.rules {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !ruleMatches(rule.Match, req.Payload) {
			continue
		}
		signal += rule.Signal
		matched = appendUnique(matched, rule.ID)
	}
	if len(matched) > 0 {
		s.logger.Debug("rules matched", slog.String("scorer", s.name), slog.Any("rules", matched))
	}
	return signal, nil
}

func ruleMatches(match RuleMatch, payload map[string]any) bool {
	for field, want := range match.Equals {
		got, ok := lookupPath(payload, field)
		if !ok || !strings.EqualFold(fmt.Sprint(got), want) {
			return false
		}
	}
	for field, keywords := range match.Contains {
		got, ok := lookupPath(payload, field)
		if !ok || !containsAny(fmt.Sprint(got), keywords) {
			return false
		}
	}
	for field, threshold := range match.Above {
		got, ok := numberAt(payload, field)
		if !ok || got <= threshold {
			return false
		}
	}
	for field, threshold := range match.Below {
		got, ok := numberAt(payload, field)
		if !ok || got >= threshold {
			return false
		}
	}
	return true
}

func containsAny(value string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	value = strings.ToLower(value)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(value, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
