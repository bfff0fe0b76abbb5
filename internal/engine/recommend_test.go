package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

func TestRuleEngineRecommend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - id: coverage
    match:
      sub_score: quality
      sub_score_below: 70
      factor: coverage
      factor_below: 60
    recommendations: ["Add tests", "Add tests"]
  - id: critical-band
    match:
      health: critical
    recommendations: ["Page the owning team"]
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	engine, err := NewRuleEngine(path, nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}

	score := models.ReliabilityScore{
		Health:    models.HealthCritical,
		SubScores: map[models.SubScore]float64{models.SubScoreQuality: 40},
	}
	factors := []models.Factor{{Name: FactorCoverage, SubScore: models.SubScoreQuality, Value: 30}}
	recs := engine.Recommend(score, factors)
	if len(recs) != 2 || recs[0] != "Add tests" || recs[1] != "Page the owning team" {
		t.Fatalf("unexpected recommendations %v", recs)
	}
}

func TestRuleEngineSkipsNoDataFactors(t *testing.T) {
	engine, err := NewRuleEngine("", nil)
	if err != nil {
		t.Fatalf("new rule engine: %v", err)
	}
	score := models.ReliabilityScore{SubScores: map[models.SubScore]float64{models.SubScoreQuality: 50}}
	factors := []models.Factor{{Name: FactorCoverage, SubScore: models.SubScoreQuality, Value: 50, NoData: true}}
	if recs := engine.Recommend(score, factors); len(recs) != 0 {
		t.Fatalf("no-data factors should not trigger rules, got %v", recs)
	}
}

func TestRuleEngineMissingFileUsesDefaults(t *testing.T) {
	engine, err := NewRuleEngine("non-existent", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if engine == nil || len(engine.rules) != len(DefaultRules) {
		t.Fatalf("expected default rules when file missing")
	}
	var nilEngine *RuleEngine
	if nilEngine.Recommend(models.ReliabilityScore{}, nil) != nil {
		t.Fatalf("nil engine recommends nothing")
	}
}
