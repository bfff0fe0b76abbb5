package engine

import (
	"context"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// DefaultMatchThreshold is the minimum similarity for a fuzzy link.
const DefaultMatchThreshold = 0.80

var annotationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://[^./\s]+\.atlassian\.net/browse/([A-Z][A-Z0-9]+-\d+)`),
	regexp.MustCompile(`(?i)https?://[^/\s]*jira[^/\s]*/browse/([A-Z][A-Z0-9]+-\d+)`),
	regexp.MustCompile(`(?i)^\s*([A-Z][A-Z0-9]+-\d+)\s*$`),
}

// ExtractTicketKeys returns the upper-cased ticket keys referenced by an annotation string.
func ExtractTicketKeys(annotation string) []string {
	var keys []string
	for _, pattern := range annotationPatterns {
		for _, m := range pattern.FindAllStringSubmatch(annotation, -1) {
			keys = appendUnique(keys, strings.ToUpper(m[1]))
		}
	}
	return keys
}

// CorrelationInput is one product's worth of correlation work.
type CorrelationInput struct {
	Issues  []models.Issue
	Tickets []models.Ticket
	// Prior holds the currently active links for the product.
	Prior []models.Link
	Now   time.Time
}

// Correlator links issues to tickets through annotations and mutually-best fuzzy matches.
type Correlator struct {
	threshold float64
	logger    *slog.Logger
}

// NewCorrelator builds a correlator. A non-positive threshold selects DefaultMatchThreshold.
func NewCorrelator(threshold float64, logger *slog.Logger) *Correlator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultMatchThreshold
	}
	return &Correlator{threshold: threshold, logger: utils.OrDefault(logger)}
}

// Threshold returns the fuzzy threshold in effect.
func (c *Correlator) Threshold() float64 { return c.threshold }

// Correlate computes the active link set for one product.
//
// Output is a pure function of the input: records are processed in id order and exact
// similarity ties go to the lexicographically smaller id. Malformed records are skipped.
// Prior links missing from the new set, or superseded by a new method or confidence, are
// returned as retired at in.Now; an explicit link is only retired when its issue or ticket
// left scope. The only error is ctx cancellation.
func (c *Correlator) Correlate(ctx context.Context, in CorrelationInput) (models.CorrelationResult, error) {
	var result models.CorrelationResult

	issues, skippedIssues := c.validIssues(in.Issues)
	tickets, skippedTickets := c.validTickets(in.Tickets)
	result.Skipped = skippedIssues + skippedTickets

	ticketByKey := make(map[string]models.Ticket, len(tickets))
	for _, t := range tickets {
		ticketByKey[strings.ToUpper(t.Key)] = t
	}
	issueIDs := make(map[string]struct{}, len(issues))
	for _, i := range issues {
		issueIDs[i.ID] = struct{}{}
	}

	prior := make(map[models.LinkPair]models.Link, len(in.Prior))
	for _, l := range in.Prior {
		if existing, ok := prior[l.Pair()]; !ok || l.Method.Rank() > existing.Method.Rank() {
			prior[l.Pair()] = l
		}
	}

	active := make(map[models.LinkPair]models.Link)
	emit := func(l models.Link) {
		if p, ok := prior[l.Pair()]; ok && sameLink(p, l) {
			l.CreatedAt = p.CreatedAt
		}
		active[l.Pair()] = l
	}

	for _, issue := range issues {
		for _, key := range annotationKeys(issue) {
			ticket, ok := ticketByKey[key]
			if !ok {
				continue
			}
			emit(models.Link{IssueID: issue.ID, TicketKey: ticket.Key, Method: models.MethodExplicit, Confidence: 1.0, CreatedAt: in.Now})
		}
	}
	for pair, l := range prior {
		if l.Method != models.MethodExplicit {
			continue
		}
		if _, ok := active[pair]; ok {
			continue
		}
		_, issueInScope := issueIDs[pair.IssueID]
		_, ticketInScope := ticketByKey[strings.ToUpper(pair.TicketKey)]
		if issueInScope && ticketInScope {
			l.RetiredAt = nil
			active[pair] = l
		}
	}

	if err := ctx.Err(); err != nil {
		return models.CorrelationResult{}, err
	}

	fuzzy, err := c.fuzzyPass(ctx, issues, tickets, active)
	if err != nil {
		return models.CorrelationResult{}, err
	}
	for _, l := range fuzzy {
		l.CreatedAt = in.Now
		emit(l)
	}

	result.Active = slices.SortedFunc(maps.Values(active), compareLinks)

	for pair, l := range prior {
		if a, ok := active[pair]; ok && sameLink(a, l) {
			continue
		}
		retiredAt := in.Now
		l.RetiredAt = &retiredAt
		result.Retired = append(result.Retired, l)
	}
	slices.SortFunc(result.Retired, compareLinks)

	return result, nil
}

// sameLink reports whether a and b describe the same row. A change of method or confidence
// supersedes the prior row.
func sameLink(a, b models.Link) bool {
	return a.Method == b.Method && a.Confidence == b.Confidence
}

// fuzzyPass pairs each issue with its best ticket and keeps pairs that are mutually best
// and at or above threshold. Pairs already in linked are not candidates.
func (c *Correlator) fuzzyPass(ctx context.Context, issues []models.Issue, tickets []models.Ticket, linked map[models.LinkPair]models.Link) ([]models.Link, error) {
	if len(issues) == 0 || len(tickets) == 0 {
		return nil, nil
	}

	ticketBags := make([]gramBag, len(tickets))
	for j, t := range tickets {
		ticketBags[j] = newGramBag(t.Summary)
	}

	bestTicket := make([]int, len(issues))
	bestTicketScore := make([]float64, len(issues))
	bestIssue := make([]int, len(tickets))
	bestIssueScore := make([]float64, len(tickets))
	for j := range bestIssue {
		bestIssue[j] = -1
	}

	for i, issue := range issues {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		bestTicket[i] = -1
		bag := newGramBag(issue.Title)
		if bag.empty() {
			continue
		}
		for j, t := range tickets {
			if _, ok := linked[models.LinkPair{IssueID: issue.ID, TicketKey: t.Key}]; ok {
				continue
			}
			score := dice(bag, ticketBags[j])
			if score <= 0 {
				continue
			}
			// Strict comparison keeps the first, lowest-id candidate on exact ties.
			if score > bestTicketScore[i] {
				bestTicket[i], bestTicketScore[i] = j, score
			}
			if score > bestIssueScore[j] {
				bestIssue[j], bestIssueScore[j] = i, score
			}
		}
	}

	var links []models.Link
	for i, j := range bestTicket {
		if j < 0 || bestIssue[j] != i {
			continue
		}
		if bestTicketScore[i] < c.threshold {
			continue
		}
		links = append(links, models.Link{
			IssueID:    issues[i].ID,
			TicketKey:  tickets[j].Key,
			Method:     models.MethodFuzzy,
			Confidence: bestTicketScore[i],
		})
	}
	return links, nil
}

func (c *Correlator) validIssues(in []models.Issue) ([]models.Issue, int) {
	out := make([]models.Issue, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	skipped := 0
	for _, issue := range in {
		id := strings.TrimSpace(issue.ID)
		if _, dup := seen[id]; id == "" || dup {
			skipped++
			c.logger.Warn("skipping issue", slog.String("id", issue.ID), slog.Any("error", utils.ErrCorrelationInputInvalid))
			continue
		}
		seen[id] = struct{}{}
		issue.ID = id
		out = append(out, issue)
	}
	slices.SortFunc(out, func(a, b models.Issue) int { return strings.Compare(a.ID, b.ID) })
	return out, skipped
}

func (c *Correlator) validTickets(in []models.Ticket) ([]models.Ticket, int) {
	out := make([]models.Ticket, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	skipped := 0
	for _, ticket := range in {
		key := strings.TrimSpace(ticket.Key)
		upper := strings.ToUpper(key)
		if _, dup := seen[upper]; key == "" || dup {
			skipped++
			c.logger.Warn("skipping ticket", slog.String("key", ticket.Key), slog.Any("error", utils.ErrCorrelationInputInvalid))
			continue
		}
		seen[upper] = struct{}{}
		ticket.Key = key
		out = append(out, ticket)
	}
	slices.SortFunc(out, func(a, b models.Ticket) int { return strings.Compare(a.Key, b.Key) })
	return out, skipped
}

// annotationKeys collects ticket keys from annotations and metadata values in a stable order.
func annotationKeys(issue models.Issue) []string {
	var keys []string
	for _, a := range issue.Annotations {
		keys = appendUnique(keys, ExtractTicketKeys(a)...)
	}
	for _, name := range slices.Sorted(maps.Keys(issue.Metadata)) {
		keys = appendUnique(keys, ExtractTicketKeys(issue.Metadata[name])...)
	}
	return keys
}

func compareLinks(a, b models.Link) int {
	if c := strings.Compare(a.IssueID, b.IssueID); c != 0 {
		return c
	}
	return strings.Compare(a.TicketKey, b.TicketKey)
}
