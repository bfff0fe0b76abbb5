package extractors

import (
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// InfraAnomaly captures an outlying infrastructure sample.
type InfraAnomaly struct {
	Resource  string    `json:"resource"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}

// InfraExtractor flags infra samples whose z-score within their (resource, metric) series exceeds a threshold.
type InfraExtractor struct {
	threshold float64
}

// NewInfraExtractor creates a detector. A non-positive threshold defaults to 2.5.
func NewInfraExtractor(threshold float64) *InfraExtractor {
	if threshold <= 0 {
		threshold = 2.5
	}
	return &InfraExtractor{threshold: threshold}
}

// Detect returns anomalies ordered by resource, metric name and time.
func (e *InfraExtractor) Detect(samples []models.InfraMetric) []InfraAnomaly {
	type seriesKey struct{ resource, name string }
	series := make(map[seriesKey][]models.InfraMetric)
	for _, s := range samples {
		k := seriesKey{s.Resource, s.Name}
		series[k] = append(series[k], s)
	}

	anomalies := make([]InfraAnomaly, 0)
	for k, points := range series {
		if len(points) < 3 {
			continue
		}
		mean := 0.0
		for _, p := range points {
			mean += p.Value
		}
		mean /= float64(len(points))

		variance := 0.0
		for _, p := range points {
			variance += math.Pow(p.Value-mean, 2)
		}
		stdDev := math.Sqrt(variance / float64(len(points)))
		if stdDev == 0 {
			continue
		}

		for _, p := range points {
			score := (p.Value - mean) / stdDev
			if score >= e.threshold {
				anomalies = append(anomalies, InfraAnomaly{Resource: k.resource, Name: k.name, Timestamp: p.MeasuredAt, Value: p.Value, Score: score})
			}
		}
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.Resource != b.Resource {
			return a.Resource < b.Resource
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	return anomalies
}
