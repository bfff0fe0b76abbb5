// Package patterns mines recurring issue hotspots across product batches.
package patterns

import (
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// DefaultLimit caps the number of hotspots returned by Mine.
const DefaultLimit = 5

const (
	minTokenLen    = 3
	minOccurrences = 2
)

// Hotspot is a group of unresolved issues sharing a title signature.
type Hotspot struct {
	Signature  string    `json:"signature"`
	Title      string    `json:"title"`
	Products   []string  `json:"products"`
	Issues     int       `json:"issues"`
	Events     int       `json:"events"`
	LastSeen   time.Time `json:"last_seen"`
	Prevalence float64   `json:"prevalence"`
}

// Miner groups issues into hotspots.
type Miner struct {
	limit  int
	logger *slog.Logger
}

// NewMiner constructs a Miner. A non-positive limit uses DefaultLimit.
func NewMiner(logger *slog.Logger, limit int) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Miner{limit: limit, logger: logger}
}

// Mine returns the top hotspots across batches.
func (m *Miner) Mine(batches []models.SourceBatch) []Hotspot {
	if len(batches) == 0 {
		return nil
	}

	groups := make(map[string]*aggregate)
	for _, batch := range batches {
		for _, issue := range batch.Issues {
			if issue.Status != models.IssueUnresolved {
				continue
			}
			sig := Signature(issue.Title)
			if sig == "" {
				continue
			}
			agg, ok := groups[sig]
			if !ok {
				agg = &aggregate{products: make(map[string]struct{})}
				groups[sig] = agg
			}
			agg.add(batch.ProductID, issue)
		}
	}

	hotspots := make([]Hotspot, 0, len(groups))
	for sig, agg := range groups {
		if agg.issues < minOccurrences {
			continue
		}
		products := make([]string, 0, len(agg.products))
		for p := range agg.products {
			products = append(products, p)
		}
		slices.Sort(products)
		hotspots = append(hotspots, Hotspot{
			Signature:  sig,
			Title:      agg.title,
			Products:   products,
			Issues:     agg.issues,
			Events:     agg.events,
			LastSeen:   agg.lastSeen,
			Prevalence: float64(len(products)) / float64(len(batches)),
		})
	}

	slices.SortFunc(hotspots, func(a, b Hotspot) int {
		switch {
		case a.Prevalence != b.Prevalence:
			if a.Prevalence > b.Prevalence {
				return -1
			}
			return 1
		case a.Events != b.Events:
			return b.Events - a.Events
		}
		return strings.Compare(a.Signature, b.Signature)
	})
	if len(hotspots) > m.limit {
		hotspots = hotspots[:m.limit]
	}
	if len(hotspots) > 0 {
		m.logger.Debug("hotspots mined", slog.Int("count", len(hotspots)), slog.Int("groups", len(groups)))
	}
	return hotspots
}

// Signature reduces a title to its sorted set of word tokens, ignoring short tokens and
// tokens that carry digits such as ids or counts.
func Signature(title string) string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minTokenLen || strings.ContainsFunc(f, unicode.IsDigit) {
			continue
		}
		tokens = append(tokens, f)
	}
	slices.Sort(tokens)
	return strings.Join(slices.Compact(tokens), " ")
}

type aggregate struct {
	products  map[string]struct{}
	issues    int
	events    int
	topEvents int
	title     string
	lastSeen  time.Time
}

func (a *aggregate) add(productID string, issue models.Issue) {
	if productID == "" {
		productID = issue.ProductID
	}
	a.products[productID] = struct{}{}
	a.issues++
	a.events += issue.EventCount
	if a.title == "" || issue.EventCount > a.topEvents {
		a.title = issue.Title
		a.topEvents = issue.EventCount
	}
	if issue.LastSeen.After(a.lastSeen) {
		a.lastSeen = issue.LastSeen
	}
}
