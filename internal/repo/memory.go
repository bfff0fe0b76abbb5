package repo

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

var _ Store = (*MemoryStore)(nil)

type linkRow struct {
	productID string
	link      models.Link
}

// MemoryStore is an in-process Store used in tests and database-less deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	links     []linkRow
	scores    []models.ReliabilityScore
	snapshots []models.DashboardSnapshot
	runs      []models.RefreshRun
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// ActiveLinks returns the unretired links of a product ordered by issue then ticket.
func (s *MemoryStore) ActiveLinks(_ context.Context, productID string) ([]models.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Link, 0)
	for _, row := range s.links {
		if row.productID == productID && row.link.RetiredAt == nil {
			out = append(out, row.link)
		}
	}
	slices.SortFunc(out, compareLinkRows)
	return out, nil
}

// SaveLinks retires the given links and appends active links that are new or changed.
func (s *MemoryStore) SaveLinks(_ context.Context, productID string, active, retired []models.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range retired {
		at := retiredAt(r)
		for i := range s.links {
			row := &s.links[i]
			if row.productID == productID && row.link.RetiredAt == nil && row.link.Pair() == r.Pair() && row.link.Method == r.Method {
				row.link.RetiredAt = &at
			}
		}
	}

	for _, l := range active {
		current := -1
		for i, row := range s.links {
			if row.productID == productID && row.link.RetiredAt == nil && row.link.Pair() == l.Pair() {
				current = i
				break
			}
		}
		if current >= 0 {
			existing := s.links[current].link
			if existing.Method == l.Method && existing.Confidence == l.Confidence {
				continue
			}
			// Superseded rows retire when their replacement is created.
			at := l.CreatedAt
			s.links[current].link.RetiredAt = &at
		}
		l.RetiredAt = nil
		s.links = append(s.links, linkRow{productID: productID, link: l})
	}
	return nil
}

// LatestScore returns the most recently computed score for a product.
func (s *MemoryStore) LatestScore(_ context.Context, productID string) (models.ReliabilityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.scores) - 1; i >= 0; i-- {
		if s.scores[i].ProductID == productID {
			return s.scores[i], nil
		}
	}
	return models.ReliabilityScore{}, ErrNotFound
}

// SaveScore appends a score run.
func (s *MemoryStore) SaveScore(_ context.Context, score models.ReliabilityScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = append(s.scores, score)
	return nil
}

// SaveSnapshot appends a snapshot row.
func (s *MemoryStore) SaveSnapshot(_ context.Context, snap models.DashboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// LatestSnapshots returns the highest-sequence valid snapshot per scope key.
func (s *MemoryStore) LatestSnapshots(_ context.Context) ([]models.DashboardSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[models.ScopeKey]models.DashboardSnapshot)
	for _, snap := range s.snapshots {
		if !snap.Valid {
			continue
		}
		if cur, ok := latest[snap.Key]; !ok || snap.Sequence > cur.Sequence {
			latest[snap.Key] = snap
		}
	}
	out := make([]models.DashboardSnapshot, 0, len(latest))
	for _, snap := range latest {
		out = append(out, snap)
	}
	slices.SortFunc(out, func(a, b models.DashboardSnapshot) int { return strings.Compare(a.Key.String(), b.Key.String()) })
	return out, nil
}

// PurgeSnapshots drops rows generated before the cutoff, always keeping the newest keep rows per key.
func (s *MemoryStore) PurgeSnapshots(_ context.Context, before time.Time, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keep < 1 {
		keep = 1
	}
	bySeq := slices.Clone(s.snapshots)
	slices.SortFunc(bySeq, func(a, b models.DashboardSnapshot) int {
		switch {
		case a.Sequence > b.Sequence:
			return -1
		case a.Sequence < b.Sequence:
			return 1
		}
		return 0
	})

	seen := make(map[models.ScopeKey]int)
	kept := make([]models.DashboardSnapshot, 0, len(bySeq))
	for _, snap := range bySeq {
		seen[snap.Key]++
		if seen[snap.Key] > keep && snap.GeneratedAt.Before(before) {
			continue
		}
		kept = append(kept, snap)
	}
	purged := len(s.snapshots) - len(kept)
	slices.Reverse(kept)
	s.snapshots = kept
	return purged, nil
}

// SaveRefreshRun appends a refresh log entry.
func (s *MemoryStore) SaveRefreshRun(_ context.Context, run models.RefreshRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// RecentRefreshRuns returns up to limit runs, newest first.
func (s *MemoryStore) RecentRefreshRuns(_ context.Context, limit int) ([]models.RefreshRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := slices.Clone(s.runs)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

func retiredAt(l models.Link) time.Time {
	if l.RetiredAt != nil {
		return *l.RetiredAt
	}
	return time.Now().UTC()
}

func compareLinkRows(a, b models.Link) int {
	if c := strings.Compare(a.IssueID, b.IssueID); c != 0 {
		return c
	}
	return strings.Compare(a.TicketKey, b.TicketKey)
}
