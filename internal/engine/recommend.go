package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// RuleEngine turns low sub-scores and factors into operator-facing recommendations.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional conditions; all set conditions must hold.
type RuleMatch struct {
	SubScore      models.SubScore `yaml:"sub_score"`
	SubScoreBelow float64         `yaml:"sub_score_below"`
	Factor        string          `yaml:"factor"`
	FactorBelow   float64         `yaml:"factor_below"`
	Health        models.Health   `yaml:"health"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is used when no rule pack is configured.
var DefaultRules = []Rule{
	{
		ID:              "runtime-resolution",
		Match:           RuleMatch{SubScore: models.SubScoreRuntime, SubScoreBelow: 70, Factor: FactorResolutionRate, FactorBelow: 50},
		Recommendations: []string{"Focus on resolving existing error-tracking issues: low resolution rate"},
	},
	{
		ID:              "runtime-critical",
		Match:           RuleMatch{SubScore: models.SubScoreRuntime, SubScoreBelow: 70, Factor: FactorCriticalIssues, FactorBelow: 50},
		Recommendations: []string{"Prioritize critical error resolution: high critical issue count"},
	},
	{
		ID:              "quality-coverage",
		Match:           RuleMatch{SubScore: models.SubScoreQuality, SubScoreBelow: 70, Factor: FactorCoverage, FactorBelow: 60},
		Recommendations: []string{"Increase test coverage: currently below recommended 60%"},
	},
	{
		ID:              "quality-gate",
		Match:           RuleMatch{SubScore: models.SubScoreQuality, SubScoreBelow: 70, Factor: FactorQualityGate, FactorBelow: 100},
		Recommendations: []string{"Fix quality gate failures"},
	},
	{
		ID:              "operations-sla",
		Match:           RuleMatch{SubScore: models.SubScoreOperations, SubScoreBelow: 70, Factor: FactorSLACompliance, FactorBelow: 60},
		Recommendations: []string{"Improve ticket resolution process: SLA compliance below 60%"},
	},
	{
		ID:              "cross-system-links",
		Match:           RuleMatch{SubScore: models.SubScoreCrossSystem, SubScoreBelow: 70, Factor: FactorLinkCoverage, FactorBelow: 50},
		Recommendations: []string{"Link error-tracking issues to tickets: most issues are untracked"},
	},
}

// NewRuleEngine loads rules from the provided path. An empty or missing path yields an
// engine with DefaultRules.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	logger = utils.OrDefault(logger)
	if path == "" {
		return &RuleEngine{rules: DefaultRules, logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("rule pack not found, using defaults", slog.String("path", path))
			return &RuleEngine{rules: DefaultRules, logger: logger}, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the recommendations of every rule matching the score, deduplicated
// in rule order. A nil engine recommends nothing.
func (e *RuleEngine) Recommend(score models.ReliabilityScore, factors []models.Factor) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if !ruleMatches(rule.Match, score, factors) {
			continue
		}
		e.logger.Debug("recommendation rule matched", slog.String("rule", rule.ID), slog.String("product", score.ProductID))
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func ruleMatches(m RuleMatch, score models.ReliabilityScore, factors []models.Factor) bool {
	if m.SubScore != "" {
		value, ok := score.SubScores[m.SubScore]
		if !ok || (m.SubScoreBelow > 0 && value >= m.SubScoreBelow) {
			return false
		}
	}
	if m.Factor != "" && !factorBelow(m.Factor, m.FactorBelow, factors) {
		return false
	}
	if m.Health != "" && m.Health != score.Health {
		return false
	}
	return true
}

func factorBelow(name string, below float64, factors []models.Factor) bool {
	for _, f := range factors {
		if f.Name != name || f.NoData {
			continue
		}
		return below <= 0 || f.Value < below
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
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
