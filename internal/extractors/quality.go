package extractors

import "github.com/miradorstack/mirador-reliability/internal/models"

// QualitySignals aggregates the code-quality measurements of a product's projects.
type QualitySignals struct {
	Present        bool
	GatePassed     bool
	Coverage       float64
	DefectsPerKLOC float64
}

// QualityExtractor folds per-project measurements into product signals.
type QualityExtractor struct{}

// NewQualityExtractor creates a quality extractor.
func NewQualityExtractor() *QualityExtractor {
	return &QualityExtractor{}
}

// Extract requires every project to pass its gate; coverage is weighted by lines of code
// when available. Code smells count a tenth of a defect.
func (e *QualityExtractor) Extract(metrics []models.QualityMetric) QualitySignals {
	if len(metrics) == 0 {
		return QualitySignals{}
	}

	s := QualitySignals{Present: true, GatePassed: true}
	var weightedCoverage, plainCoverage, defects float64
	lines := 0
	for _, m := range metrics {
		if !m.GatePassed {
			s.GatePassed = false
		}
		plainCoverage += m.Coverage
		weightedCoverage += m.Coverage * float64(m.LinesOfCode)
		lines += m.LinesOfCode
		defects += float64(m.Bugs+m.Vulnerabilities) + float64(m.CodeSmells)/10
	}

	if lines > 0 {
		s.Coverage = weightedCoverage / float64(lines)
		s.DefectsPerKLOC = defects / (float64(lines) / 1000)
	} else {
		s.Coverage = plainCoverage / float64(len(metrics))
	}
	return s
}
