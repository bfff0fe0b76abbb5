package extractors

import (
	"strings"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// OperationsSignals summarises ticket handling for one product.
type OperationsSignals struct {
	SLAEligible int
	SLAMet      int
	DoneLinked  int
	Recurred    int
}

// OperationsExtractor derives SLA and recurrence signals from tickets and their links.
type OperationsExtractor struct {
	targets    map[string]time.Duration
	defaultSLA time.Duration
}

// NewOperationsExtractor creates an extractor with per-priority SLA targets keyed by lower-case priority.
func NewOperationsExtractor(targets map[string]time.Duration, defaultSLA time.Duration) *OperationsExtractor {
	norm := make(map[string]time.Duration, len(targets))
	for k, v := range targets {
		norm[strings.ToLower(k)] = v
	}
	if defaultSLA <= 0 {
		defaultSLA = 72 * time.Hour
	}
	return &OperationsExtractor{targets: norm, defaultSLA: defaultSLA}
}

// Target returns the SLA for a priority.
func (e *OperationsExtractor) Target(priority string) time.Duration {
	if d, ok := e.targets[strings.ToLower(strings.TrimSpace(priority))]; ok && d > 0 {
		return d
	}
	return e.defaultSLA
}

// Extract counts SLA compliance over resolved tickets plus open tickets already past target,
// and recurrence over done tickets with a linked issue that was seen again after resolution.
func (e *OperationsExtractor) Extract(tickets []models.Ticket, issues []models.Issue, links []models.Link, now time.Time) OperationsSignals {
	var s OperationsSignals

	issueByID := make(map[string]models.Issue, len(issues))
	for _, issue := range issues {
		issueByID[issue.ID] = issue
	}
	linkedIssues := make(map[string][]string)
	for _, l := range links {
		if l.RetiredAt != nil {
			continue
		}
		key := strings.ToUpper(l.TicketKey)
		linkedIssues[key] = append(linkedIssues[key], l.IssueID)
	}

	for _, t := range tickets {
		target := e.Target(t.Priority)
		switch {
		case t.ResolvedAt != nil:
			s.SLAEligible++
			if t.ResolvedAt.Sub(t.CreatedAt) <= target {
				s.SLAMet++
			}
		case now.Sub(t.CreatedAt) > target:
			s.SLAEligible++
		}

		if t.Status != models.TicketDone || t.ResolvedAt == nil {
			continue
		}
		ids := linkedIssues[strings.ToUpper(t.Key)]
		if len(ids) == 0 {
			continue
		}
		s.DoneLinked++
		for _, id := range ids {
			issue, ok := issueByID[id]
			if ok && issue.Status == models.IssueUnresolved && issue.LastSeen.After(*t.ResolvedAt) {
				s.Recurred++
				break
			}
		}
	}
	return s
}
