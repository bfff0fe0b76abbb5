package models

import "time"

// SubScore names one weighted component of the composite.
type SubScore string

const (
	SubScoreRuntime     SubScore = "runtime"
	SubScoreQuality     SubScore = "quality"
	SubScoreOperations  SubScore = "operations"
	SubScoreCrossSystem SubScore = "cross_system"
)

// AllSubScores lists the sub-scores in reporting order.
var AllSubScores = []SubScore{SubScoreRuntime, SubScoreQuality, SubScoreOperations, SubScoreCrossSystem}

// Trend classifies movement of the composite relative to the prior run.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendWorsening Trend = "worsening"
)

// Health is the band the composite falls into.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
	HealthCritical  Health = "critical"
)

// HealthFor maps a composite score onto its band.
func HealthFor(overall float64) Health {
	switch {
	case overall >= 90:
		return HealthExcellent
	case overall >= 75:
		return HealthGood
	case overall >= 50:
		return HealthFair
	case overall >= 30:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// Factor is one normalised input that contributed to a sub-score.
type Factor struct {
	Name     string   `json:"name"`
	SubScore SubScore `json:"sub_score"`
	Value    float64  `json:"value"`
	Reason   string   `json:"reason"`
	NoData   bool     `json:"no_data,omitempty"`
}

// ReliabilityScore is the per-product output of one scoring run.
type ReliabilityScore struct {
	ProductID       string               `json:"product_id"`
	RunID           string               `json:"run_id"`
	Overall         float64              `json:"overall"`
	SubScores       map[SubScore]float64 `json:"sub_scores"`
	Weights         map[SubScore]float64 `json:"weights"`
	Factors         []Factor             `json:"factors"`
	Trend           Trend                `json:"trend"`
	Health          Health               `json:"health"`
	Recommendations []string             `json:"recommendations,omitempty"`
	ComputedAt      time.Time            `json:"computed_at"`
}
