package extractors

import (
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// RuntimeSignals summarises error-tracking issues for one product.
type RuntimeSignals struct {
	Total        int
	Resolved     int
	Critical     int
	RecentEvents int
	PriorEvents  int
}

// RuntimeExtractor derives runtime signals from issues.
type RuntimeExtractor struct {
	window time.Duration
}

// NewRuntimeExtractor creates an extractor comparing the last window of events with the one before it.
func NewRuntimeExtractor(window time.Duration) *RuntimeExtractor {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &RuntimeExtractor{window: window}
}

// Extract counts resolution, unresolved critical issues and the event trend. Ignored issues are excluded.
func (e *RuntimeExtractor) Extract(issues []models.Issue, now time.Time) RuntimeSignals {
	var s RuntimeSignals
	recentStart := now.Add(-e.window)
	priorStart := recentStart.Add(-e.window)

	for _, issue := range issues {
		if issue.Status == models.IssueIgnored {
			continue
		}
		s.Total++
		if issue.Status == models.IssueResolved {
			s.Resolved++
		} else if issue.Critical() {
			s.Critical++
		}

		switch {
		case !issue.FirstSeen.Before(recentStart) && !issue.FirstSeen.After(now):
			s.RecentEvents += issue.EventCount
		case !issue.FirstSeen.Before(priorStart) && issue.FirstSeen.Before(recentStart):
			s.PriorEvents += issue.EventCount
		}
	}
	return s
}
