package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/extractors"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// Factor names reported by the scorer.
const (
	FactorResolutionRate  = "resolution_rate"
	FactorCriticalIssues  = "critical_issues"
	FactorEventTrend      = "event_trend"
	FactorQualityGate     = "quality_gate"
	FactorCoverage        = "coverage"
	FactorIssueDensity    = "issue_density"
	FactorSLACompliance   = "sla_compliance"
	FactorRecurrence      = "recurrence"
	FactorLinkCoverage    = "link_coverage"
	FactorSourceFreshness = "source_freshness"
)

// neutralScore is used in place of components that have no data.
const neutralScore = 50.0

const weightTolerance = 1e-6

// ScoringConfig tunes the reliability scorer.
type ScoringConfig struct {
	Weights            map[models.SubScore]float64
	TrendEpsilon       float64
	TrendWindow        time.Duration
	CriticalSaturation int
	MaxIssueDensity    float64
	FreshnessWindow    time.Duration
	FactorLimit        int
	SLATargets         map[string]time.Duration
	DefaultSLA         time.Duration
}

// DefaultScoringConfig returns the stock weights and thresholds.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: map[models.SubScore]float64{
			models.SubScoreRuntime:     0.4,
			models.SubScoreQuality:     0.3,
			models.SubScoreOperations:  0.2,
			models.SubScoreCrossSystem: 0.1,
		},
		TrendEpsilon:       1.0,
		TrendWindow:        30 * 24 * time.Hour,
		CriticalSaturation: 4,
		MaxIssueDensity:    10,
		FreshnessWindow:    24 * time.Hour,
		FactorLimit:        3,
		SLATargets:         map[string]time.Duration{"highest": 24 * time.Hour, "high": 24 * time.Hour},
		DefaultSLA:         72 * time.Hour,
	}
}

// Validate checks that weights cover every sub-score, are non-negative and sum to 1.0.
func (c ScoringConfig) Validate() error {
	sum := 0.0
	for _, sub := range models.AllSubScores {
		w, ok := c.Weights[sub]
		if !ok {
			return fmt.Errorf("scoring: missing weight for %s", sub)
		}
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("scoring: weight for %s is %v", sub, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("scoring: weights sum to %.4f, want 1.0", sum)
	}
	if c.CriticalSaturation <= 0 {
		return errors.New("scoring: critical saturation must be positive")
	}
	return nil
}

// ScoreInput is everything the scorer needs for one product run.
type ScoreInput struct {
	ProductID    string
	RunID        string
	Issues       []models.Issue
	Tickets      []models.Ticket
	Links        []models.Link
	Quality      []models.QualityMetric
	LastModified map[string]time.Time
	Previous     *models.ReliabilityScore
	Now          time.Time
}

// Scorer computes ReliabilityScores.
type Scorer struct {
	cfg        ScoringConfig
	rules      *RuleEngine
	logger     *slog.Logger
	runtime    *extractors.RuntimeExtractor
	quality    *extractors.QualityExtractor
	operations *extractors.OperationsExtractor
}

// NewScorer validates cfg and builds a scorer. rules may be nil.
func NewScorer(cfg ScoringConfig, rules *RuleEngine, logger *slog.Logger) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxIssueDensity <= 0 {
		cfg.MaxIssueDensity = DefaultScoringConfig().MaxIssueDensity
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultScoringConfig().FreshnessWindow
	}
	return &Scorer{
		cfg:        cfg,
		rules:      rules,
		logger:     utils.OrDefault(logger),
		runtime:    extractors.NewRuntimeExtractor(cfg.TrendWindow),
		quality:    extractors.NewQualityExtractor(),
		operations: extractors.NewOperationsExtractor(cfg.SLATargets, cfg.DefaultSLA),
	}, nil
}

// Score computes the composite, sub-scores, lowest factors, trend and recommendations.
func (s *Scorer) Score(in ScoreInput) models.ReliabilityScore {
	empty := len(in.Issues) == 0 && len(in.Tickets) == 0

	var factors []models.Factor
	subs := make(map[models.SubScore]float64, len(models.AllSubScores))

	runtime, f := s.runtimeScore(in, empty)
	subs[models.SubScoreRuntime] = runtime
	factors = append(factors, f...)

	quality, f := s.qualityScore(in)
	subs[models.SubScoreQuality] = quality
	factors = append(factors, f...)

	operations, f := s.operationsScore(in, empty)
	subs[models.SubScoreOperations] = operations
	factors = append(factors, f...)

	cross, f := s.crossSystemScore(in, empty)
	subs[models.SubScoreCrossSystem] = cross
	factors = append(factors, f...)

	overall := 0.0
	weights := make(map[models.SubScore]float64, len(subs))
	for _, sub := range models.AllSubScores {
		w := s.cfg.Weights[sub]
		weights[sub] = w
		overall += subs[sub] * w
	}
	overall = utils.Clamp(overall, 0, 100)

	score := models.ReliabilityScore{
		ProductID:  in.ProductID,
		RunID:      in.RunID,
		Overall:    overall,
		SubScores:  subs,
		Weights:    weights,
		Factors:    lowestFactors(factors, s.cfg.FactorLimit),
		Trend:      s.trend(overall, in.Previous),
		Health:     models.HealthFor(overall),
		ComputedAt: in.Now,
	}
	score.Recommendations = s.rules.Recommend(score, factors)

	s.logger.Debug("scored product",
		slog.String("product", in.ProductID),
		slog.Float64("overall", overall),
		slog.String("trend", string(score.Trend)),
	)
	return score
}

func (s *Scorer) runtimeScore(in ScoreInput, empty bool) (float64, []models.Factor) {
	sig := s.runtime.Extract(in.Issues, in.Now)
	if empty || sig.Total == 0 {
		return neutralScore, neutralFactors(models.SubScoreRuntime, "no error-tracking issues",
			FactorResolutionRate, FactorCriticalIssues, FactorEventTrend)
	}

	resolution := 100 * float64(sig.Resolved) / float64(sig.Total)
	critical := 100 * math.Max(0, 1-float64(sig.Critical)/float64(s.cfg.CriticalSaturation))

	trend := neutralScore
	switch {
	case sig.PriorEvents == 0 && sig.RecentEvents > 0:
		trend = 0
	case sig.PriorEvents > 0:
		change := utils.Clamp(float64(sig.RecentEvents-sig.PriorEvents)/float64(sig.PriorEvents), -1, 1)
		trend = 50 - 50*change
	}

	score := clampScore(0.5*resolution + 0.3*critical + 0.2*trend)
	return score, []models.Factor{
		{Name: FactorResolutionRate, SubScore: models.SubScoreRuntime, Value: round1(resolution),
			Reason: fmt.Sprintf("%d of %d issues resolved", sig.Resolved, sig.Total)},
		{Name: FactorCriticalIssues, SubScore: models.SubScoreRuntime, Value: round1(critical),
			Reason: fmt.Sprintf("%d unresolved critical issues", sig.Critical)},
		{Name: FactorEventTrend, SubScore: models.SubScoreRuntime, Value: round1(trend),
			Reason: fmt.Sprintf("%d events in the current window vs %d before", sig.RecentEvents, sig.PriorEvents)},
	}
}

func (s *Scorer) qualityScore(in ScoreInput) (float64, []models.Factor) {
	sig := s.quality.Extract(in.Quality)
	if !sig.Present {
		return neutralScore, neutralFactors(models.SubScoreQuality, "no code-quality measurements",
			FactorQualityGate, FactorCoverage, FactorIssueDensity)
	}

	gate, gateReason := 0.0, "quality gate failing"
	if sig.GatePassed {
		gate, gateReason = 100, "quality gate passing"
	}
	coverage := utils.Clamp(sig.Coverage, 0, 100)
	density := 100 * math.Max(0, 1-sig.DefectsPerKLOC/s.cfg.MaxIssueDensity)

	score := clampScore(0.5*gate + 0.3*coverage + 0.2*density)
	return score, []models.Factor{
		{Name: FactorQualityGate, SubScore: models.SubScoreQuality, Value: gate, Reason: gateReason},
		{Name: FactorCoverage, SubScore: models.SubScoreQuality, Value: round1(coverage),
			Reason: fmt.Sprintf("%.1f%% test coverage", sig.Coverage)},
		{Name: FactorIssueDensity, SubScore: models.SubScoreQuality, Value: round1(density),
			Reason: fmt.Sprintf("%.2f defects per kLOC", sig.DefectsPerKLOC)},
	}
}

func (s *Scorer) operationsScore(in ScoreInput, empty bool) (float64, []models.Factor) {
	sig := s.operations.Extract(in.Tickets, in.Issues, in.Links, in.Now)
	if empty || (sig.SLAEligible == 0 && sig.DoneLinked == 0) {
		return neutralScore, neutralFactors(models.SubScoreOperations, "no tickets with SLA or recurrence data",
			FactorSLACompliance, FactorRecurrence)
	}

	sla := neutralScore
	if sig.SLAEligible > 0 {
		sla = 100 * float64(sig.SLAMet) / float64(sig.SLAEligible)
	}
	recurrence := neutralScore
	if sig.DoneLinked > 0 {
		recurrence = 100 * (1 - float64(sig.Recurred)/float64(sig.DoneLinked))
	}

	score := clampScore(0.6*sla + 0.4*recurrence)
	return score, []models.Factor{
		{Name: FactorSLACompliance, SubScore: models.SubScoreOperations, Value: round1(sla),
			Reason: fmt.Sprintf("%d of %d tickets within SLA", sig.SLAMet, sig.SLAEligible)},
		{Name: FactorRecurrence, SubScore: models.SubScoreOperations, Value: round1(recurrence),
			Reason: fmt.Sprintf("%d of %d resolved tickets recurred", sig.Recurred, sig.DoneLinked)},
	}
}

func (s *Scorer) crossSystemScore(in ScoreInput, empty bool) (float64, []models.Factor) {
	if empty || len(in.Issues) == 0 {
		return neutralScore, neutralFactors(models.SubScoreCrossSystem, "no issues to link",
			FactorLinkCoverage, FactorSourceFreshness)
	}

	linked := make(map[string]struct{}, len(in.Links))
	for _, l := range in.Links {
		if l.RetiredAt == nil {
			linked[l.IssueID] = struct{}{}
		}
	}
	covered := 0
	for _, issue := range in.Issues {
		if _, ok := linked[issue.ID]; ok {
			covered++
		}
	}
	coverage := 100 * float64(covered) / float64(len(in.Issues))

	freshness := neutralScore
	if len(in.LastModified) > 0 {
		total := 0.0
		for _, ts := range in.LastModified {
			age := in.Now.Sub(ts)
			if age < 0 {
				age = 0
			}
			total += 100 * math.Max(0, 1-float64(age)/float64(s.cfg.FreshnessWindow))
		}
		freshness = total / float64(len(in.LastModified))
	}

	score := clampScore(0.7*coverage + 0.3*freshness)
	return score, []models.Factor{
		{Name: FactorLinkCoverage, SubScore: models.SubScoreCrossSystem, Value: round1(coverage),
			Reason: fmt.Sprintf("%d of %d issues linked to a ticket", covered, len(in.Issues))},
		{Name: FactorSourceFreshness, SubScore: models.SubScoreCrossSystem, Value: round1(freshness),
			Reason: fmt.Sprintf("%d sources reporting", len(in.LastModified))},
	}
}

func (s *Scorer) trend(overall float64, previous *models.ReliabilityScore) models.Trend {
	if previous == nil {
		return models.TrendStable
	}
	delta := overall - previous.Overall
	switch {
	case math.Abs(delta) < s.cfg.TrendEpsilon:
		return models.TrendStable
	case delta > 0:
		return models.TrendImproving
	default:
		return models.TrendWorsening
	}
}

func neutralFactors(sub models.SubScore, reason string, names ...string) []models.Factor {
	out := make([]models.Factor, 0, len(names))
	for _, name := range names {
		out = append(out, models.Factor{Name: name, SubScore: sub, Value: neutralScore, Reason: reason, NoData: true})
	}
	return out
}

// lowestFactors returns up to limit factors ordered by ascending value then name.
func lowestFactors(factors []models.Factor, limit int) []models.Factor {
	sorted := slices.Clone(factors)
	slices.SortStableFunc(sorted, func(a, b models.Factor) int {
		switch {
		case a.Value < b.Value:
			return -1
		case a.Value > b.Value:
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	return sorted
}

func clampScore(v float64) float64 {
	return utils.Clamp(v, 0, 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
