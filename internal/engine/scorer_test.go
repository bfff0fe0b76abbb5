package engine

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

var scoreNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T, cfg ScoringConfig) *Scorer {
	t.Helper()
	rules, err := NewRuleEngine("", nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	s, err := NewScorer(cfg, rules, nil)
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	return s
}

func criticalProductInput() ScoreInput {
	issues := make([]models.Issue, 0, 10)
	for i := 0; i < 10; i++ {
		level := models.LevelError
		if i < 3 {
			level = models.LevelFatal
		}
		issues = append(issues, models.Issue{
			ID:         fmt.Sprintf("iss-%02d", i),
			Title:      fmt.Sprintf("failure %d", i),
			Level:      level,
			Status:     models.IssueUnresolved,
			EventCount: 20,
			FirstSeen:  scoreNow.Add(-time.Duration(i+1) * 24 * time.Hour),
			LastSeen:   scoreNow,
		})
	}
	return ScoreInput{
		ProductID: "checkout",
		Issues:    issues,
		Quality:   []models.QualityMetric{{GatePassed: false, Coverage: 30, LinesOfCode: 10000}},
		LastModified: map[string]time.Time{
			models.SourceErrors:  scoreNow,
			models.SourceQuality: scoreNow,
		},
		Now: scoreNow,
	}
}

func TestScoreCriticalBandScenario(t *testing.T) {
	score := newTestScorer(t, DefaultScoringConfig()).Score(criticalProductInput())

	if score.SubScores[models.SubScoreRuntime] >= 30 {
		t.Fatalf("expected low runtime sub-score, got %.1f", score.SubScores[models.SubScoreRuntime])
	}
	if score.Overall >= 30 {
		t.Fatalf("expected composite below 30, got %.2f", score.Overall)
	}
	if score.Health != models.HealthCritical {
		t.Fatalf("expected critical health, got %s", score.Health)
	}
	if score.Trend != models.TrendStable {
		t.Fatalf("first run should be stable, got %s", score.Trend)
	}
	if len(score.Factors) != 3 {
		t.Fatalf("expected 3 lowest factors, got %+v", score.Factors)
	}
	for i, want := range []string{FactorEventTrend, FactorLinkCoverage, FactorQualityGate} {
		if score.Factors[i].Name != want {
			t.Fatalf("factor %d: expected %s, got %s", i, want, score.Factors[i].Name)
		}
	}
	if len(score.Recommendations) == 0 {
		t.Fatalf("expected recommendations for a critical product")
	}
}

func TestScoreCompositeIsWeightedSum(t *testing.T) {
	score := newTestScorer(t, DefaultScoringConfig()).Score(criticalProductInput())
	sum := 0.0
	for sub, v := range score.SubScores {
		sum += v * score.Weights[sub]
	}
	if math.Abs(sum-score.Overall) > 1e-9 {
		t.Fatalf("overall %.4f != weighted sum %.4f", score.Overall, sum)
	}
}

func TestScoreEmptyProductUsesNeutralDefaults(t *testing.T) {
	in := ScoreInput{
		ProductID: "idle",
		Quality:   []models.QualityMetric{{GatePassed: true, Coverage: 80, LinesOfCode: 1000}},
		Now:       scoreNow,
	}
	score := newTestScorer(t, DefaultScoringConfig()).Score(in)

	for _, sub := range []models.SubScore{models.SubScoreRuntime, models.SubScoreOperations, models.SubScoreCrossSystem} {
		if score.SubScores[sub] != neutralScore {
			t.Fatalf("%s should be neutral, got %.1f", sub, score.SubScores[sub])
		}
	}
	if q := score.SubScores[models.SubScoreQuality]; math.Abs(q-94) > 1e-9 {
		t.Fatalf("expected quality 94, got %.2f", q)
	}
	if math.Abs(score.Overall-63.2) > 1e-9 {
		t.Fatalf("expected composite 63.2, got %.4f", score.Overall)
	}
}

func TestScoreRuntimeAndQualityBlends(t *testing.T) {
	recent := scoreNow.Add(-24 * time.Hour)
	prior := scoreNow.Add(-40 * 24 * time.Hour)
	in := ScoreInput{
		ProductID: "checkout",
		Issues: []models.Issue{
			{ID: "i1", Status: models.IssueResolved, Level: models.LevelWarning, EventCount: 10, FirstSeen: recent},
			{ID: "i2", Status: models.IssueResolved, Level: models.LevelWarning, EventCount: 10, FirstSeen: prior},
			{ID: "i3", Status: models.IssueUnresolved, Level: models.LevelFatal, EventCount: 10, FirstSeen: recent},
			{ID: "i4", Status: models.IssueUnresolved, Level: models.LevelWarning, EventCount: 10, FirstSeen: prior},
		},
		Quality: []models.QualityMetric{{
			GatePassed: false, Coverage: 60, LinesOfCode: 2000,
			Bugs: 6, Vulnerabilities: 2, CodeSmells: 20,
		}},
		Now: scoreNow,
	}
	score := newTestScorer(t, DefaultScoringConfig()).Score(in)

	// resolution 50, critical 75 (1 of 4), trend 50 (flat): 0.5*50 + 0.3*75 + 0.2*50.
	if rt := score.SubScores[models.SubScoreRuntime]; math.Abs(rt-57.5) > 1e-9 {
		t.Fatalf("expected runtime 57.5, got %.4f", rt)
	}
	// gate 0, coverage 60, density 50 (10 defects over 2 kLOC against 10/kLOC): 0.5*0 + 0.3*60 + 0.2*50.
	if q := score.SubScores[models.SubScoreQuality]; math.Abs(q-28) > 1e-9 {
		t.Fatalf("expected quality 28, got %.4f", q)
	}
}

func TestScoreBoundedForAnyWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	inputs := []ScoreInput{criticalProductInput(), {ProductID: "empty", Now: scoreNow}}

	for i := 0; i < 200; i++ {
		raw := [4]float64{rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()}
		total := raw[0] + raw[1] + raw[2] + raw[3]
		cfg := DefaultScoringConfig()
		cfg.Weights = map[models.SubScore]float64{
			models.SubScoreRuntime:     raw[0] / total,
			models.SubScoreQuality:     raw[1] / total,
			models.SubScoreOperations:  raw[2] / total,
			models.SubScoreCrossSystem: 1 - (raw[0]+raw[1]+raw[2])/total,
		}
		s := newTestScorer(t, cfg)
		for _, in := range inputs {
			score := s.Score(in)
			if score.Overall < 0 || score.Overall > 100 {
				t.Fatalf("composite out of range: %.4f with weights %v", score.Overall, cfg.Weights)
			}
			for sub, v := range score.SubScores {
				if v < 0 || v > 100 {
					t.Fatalf("sub-score %s out of range: %.4f", sub, v)
				}
			}
		}
	}
}

func TestScoreTrend(t *testing.T) {
	s := newTestScorer(t, DefaultScoringConfig())
	in := criticalProductInput()
	current := s.Score(in).Overall

	cases := []struct {
		previous float64
		want     models.Trend
	}{
		{current - 10, models.TrendImproving},
		{current + 10, models.TrendWorsening},
		{current + 0.5, models.TrendStable},
	}
	for _, tc := range cases {
		in.Previous = &models.ReliabilityScore{Overall: tc.previous}
		if got := s.Score(in).Trend; got != tc.want {
			t.Fatalf("previous %.1f vs current %.1f: expected %s, got %s", tc.previous, current, tc.want, got)
		}
	}
}

func TestScoreOperationsAndLinkCoverage(t *testing.T) {
	resolved := scoreNow.Add(-time.Hour)
	in := ScoreInput{
		ProductID: "checkout",
		Issues: []models.Issue{
			{ID: "a", Status: models.IssueResolved, Level: models.LevelWarning, FirstSeen: scoreNow.Add(-time.Hour), LastSeen: scoreNow.Add(-2 * time.Hour)},
			{ID: "b", Status: models.IssueResolved, Level: models.LevelWarning, FirstSeen: scoreNow.Add(-time.Hour)},
		},
		Tickets: []models.Ticket{
			{Key: "OPS-1", Priority: "High", Status: models.TicketDone, CreatedAt: scoreNow.Add(-3 * time.Hour), ResolvedAt: &resolved},
		},
		Links: []models.Link{{IssueID: "a", TicketKey: "OPS-1", Method: models.MethodFuzzy}},
		Now:   scoreNow,
	}
	score := newTestScorer(t, DefaultScoringConfig()).Score(in)

	if ops := score.SubScores[models.SubScoreOperations]; math.Abs(ops-100) > 1e-9 {
		t.Fatalf("expected full operations score, got %.2f", ops)
	}
	// 50% link coverage, no freshness data: 0.7*50 + 0.3*50.
	if cross := score.SubScores[models.SubScoreCrossSystem]; math.Abs(cross-50) > 1e-9 {
		t.Fatalf("expected cross-system 50, got %.2f", cross)
	}
}

func TestScoringConfigValidate(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.Weights[models.SubScoreRuntime] = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected weights sum error")
	}

	cfg = DefaultScoringConfig()
	delete(cfg.Weights, models.SubScoreQuality)
	if _, err := NewScorer(cfg, nil, nil); err == nil {
		t.Fatalf("expected missing weight error")
	}

	cfg = DefaultScoringConfig()
	cfg.Weights[models.SubScoreRuntime] = -0.1
	cfg.Weights[models.SubScoreQuality] = 0.8
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected negative weight error")
	}
}
