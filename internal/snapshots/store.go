// Package snapshots holds the current dashboard snapshot per scope key.
//
// Reads load an atomic pointer and never block on writers. Installs are ordered by a
// monotonic sequence number taken when a generation starts: a result carrying a lower
// sequence than the installed snapshot is discarded.
package snapshots

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// State is the lifecycle position of one scope key.
type State string

const (
	StateAbsent      State = "absent"
	StateGenerating  State = "generating"
	StateValid       State = "valid"
	StateStale       State = "stale"
	StateInvalidated State = "invalidated"
)

var (
	// ErrSuperseded is returned when a newer generation already installed.
	ErrSuperseded = errors.New("snapshot superseded by a newer generation")
	// ErrScopeDeleted is returned when installing onto a scope deleted after the generation began.
	ErrScopeDeleted = errors.New("scope deleted")
)

// DefaultRetainCount bounds per-scope history when Options.RetainCount is zero.
const DefaultRetainCount = 5

// Persister makes installs durable and warms the store on boot.
type Persister interface {
	SaveSnapshot(ctx context.Context, snap models.DashboardSnapshot) error
	LatestSnapshots(ctx context.Context) ([]models.DashboardSnapshot, error)
}

// Options configures a Store.
type Options struct {
	RetainCount int
	Persister   Persister
	Logger      *slog.Logger
}

// Read is the result of a lookup.
type Read struct {
	Snapshot models.DashboardSnapshot
	Age      time.Duration
	Stale    bool
	State    State
}

// ScopeStats reports the operational state of one scope key.
type ScopeStats struct {
	Key          models.ScopeKey `json:"key"`
	State        State           `json:"state"`
	Valid        bool            `json:"valid"`
	Sequence     uint64          `json:"sequence"`
	GeneratedAt  time.Time       `json:"generated_at,omitzero"`
	Age          time.Duration   `json:"age"`
	LastDuration time.Duration   `json:"last_generation_duration"`
	LastError    string          `json:"last_error,omitempty"`
	Generations  uint64          `json:"generations"`
	Failures     uint64          `json:"failures"`
	History      int             `json:"history"`
	Generating   bool            `json:"generating"`
}

type current struct {
	snap        models.DashboardSnapshot
	invalidated bool
}

type entry struct {
	cur        atomic.Pointer[current]
	generating atomic.Int32

	mu           sync.Mutex
	history      []models.DashboardSnapshot
	lastErr      string
	lastDuration time.Duration
	generations  uint64
	failures     uint64
}

// Store is the versioned snapshot store.
type Store struct {
	mu      sync.RWMutex
	entries map[models.ScopeKey]*entry
	// tombstones holds the highest sequence issued when a key was deleted.
	tombstones map[models.ScopeKey]uint64

	seq       atomic.Uint64
	retain    int
	persister Persister
	log       *slog.Logger
}

// New constructs an empty Store.
func New(opts Options) *Store {
	retain := opts.RetainCount
	if retain <= 0 {
		retain = DefaultRetainCount
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:    make(map[models.ScopeKey]*entry),
		tombstones: make(map[models.ScopeKey]uint64),
		retain:     retain,
		persister:  opts.Persister,
		log:        logger,
	}
}

// NextSequence returns the next generation sequence number.
func (s *Store) NextSequence() uint64 {
	return s.seq.Add(1)
}

// Begin marks a generation in progress for key and returns its sequence number.
func (s *Store) Begin(key models.ScopeKey) uint64 {
	e := s.ensure(key)
	e.generating.Add(1)
	return s.NextSequence()
}

// End clears the in-progress mark set by Begin.
func (s *Store) End(key models.ScopeKey) {
	if e := s.lookup(key); e != nil {
		e.generating.Add(-1)
	}
}

// Get returns the current snapshot for key. ok is false when nothing was ever installed.
func (s *Store) Get(key models.ScopeKey, now time.Time, maxAge time.Duration) (Read, bool) {
	e := s.lookup(key)
	if e == nil {
		return Read{State: StateAbsent}, false
	}
	cur := e.cur.Load()
	if cur == nil {
		state := StateAbsent
		if e.generating.Load() > 0 {
			state = StateGenerating
		}
		return Read{State: state}, false
	}
	return readOf(cur, now, maxAge), true
}

func readOf(cur *current, now time.Time, maxAge time.Duration) Read {
	r := Read{
		Snapshot: cur.snap,
		Age:      cur.snap.Age(now),
		Stale:    cur.snap.Stale(now, maxAge),
		State:    StateValid,
	}
	switch {
	case cur.invalidated:
		r.State = StateInvalidated
	case r.Stale:
		r.State = StateStale
	}
	return r
}

// Install makes snap the sole valid snapshot for its key.
func (s *Store) Install(ctx context.Context, snap models.DashboardSnapshot) error {
	e, err := s.installTarget(snap.Key, snap.Sequence)
	if err != nil {
		return err
	}
	snap.Valid = true
	next := &current{snap: snap}
	for {
		old := e.cur.Load()
		if old != nil && old.snap.Sequence >= snap.Sequence {
			return ErrSuperseded
		}
		if e.cur.CompareAndSwap(old, next) {
			e.mu.Lock()
			if old != nil {
				prev := old.snap
				prev.Valid = false
				e.history = append(e.history, prev)
				if over := len(e.history) - s.retain; over > 0 {
					e.history = slices.Delete(e.history, 0, over)
				}
			}
			e.lastErr = ""
			e.lastDuration = snap.GenerationDuration
			e.generations++
			e.mu.Unlock()
			break
		}
	}

	if s.persister != nil {
		if err := s.persister.SaveSnapshot(ctx, snap); err != nil {
			s.log.Warn("persist snapshot failed", slog.String("scope", snap.Key.String()), slog.Any("error", err))
		}
	}
	return nil
}

// RecordFailure notes a failed generation. The installed snapshot is left untouched.
func (s *Store) RecordFailure(key models.ScopeKey, err error, duration time.Duration) {
	e := s.lookup(key)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.lastErr = err.Error()
	}
	e.lastDuration = duration
	e.failures++
}

// Invalidate flags the current snapshot for regeneration. Reads keep serving it.
func (s *Store) Invalidate(key models.ScopeKey) bool {
	e := s.lookup(key)
	if e == nil {
		return false
	}
	for {
		old := e.cur.Load()
		if old == nil {
			return false
		}
		if old.invalidated {
			return true
		}
		if e.cur.CompareAndSwap(old, &current{snap: old.snap, invalidated: true}) {
			return true
		}
	}
}

// Delete removes key. Generations that began before the delete cannot install afterwards.
func (s *Store) Delete(key models.ScopeKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.tombstones[key] = s.seq.Load()
}

// History returns superseded snapshots for key, oldest first.
func (s *Store) History(key models.ScopeKey) []models.DashboardSnapshot {
	e := s.lookup(key)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Purge drops history entries generated more than retainAge before now.
func (s *Store) Purge(now time.Time, retainAge time.Duration) int {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	purged := 0
	for _, e := range entries {
		e.mu.Lock()
		before := len(e.history)
		e.history = slices.DeleteFunc(e.history, func(snap models.DashboardSnapshot) bool {
			return now.Sub(snap.GeneratedAt) > retainAge
		})
		purged += before - len(e.history)
		e.mu.Unlock()
	}
	return purged
}

// Keys lists every scope key the store knows, sorted.
func (s *Store) Keys() []models.ScopeKey {
	s.mu.RLock()
	keys := make([]models.ScopeKey, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Stats reports every known scope, sorted by key.
func (s *Store) Stats(now time.Time, maxAge time.Duration) []ScopeStats {
	s.mu.RLock()
	type pair struct {
		key models.ScopeKey
		e   *entry
	}
	pairs := make([]pair, 0, len(s.entries))
	for k, e := range s.entries {
		pairs = append(pairs, pair{key: k, e: e})
	}
	s.mu.RUnlock()

	out := make([]ScopeStats, 0, len(pairs))
	for _, p := range pairs {
		st := ScopeStats{Key: p.key, State: StateAbsent, Generating: p.e.generating.Load() > 0}
		if cur := p.e.cur.Load(); cur != nil {
			r := readOf(cur, now, maxAge)
			st.State = r.State
			st.Valid = true
			st.Sequence = cur.snap.Sequence
			st.GeneratedAt = cur.snap.GeneratedAt
			st.Age = r.Age
		} else if st.Generating {
			st.State = StateGenerating
		}
		p.e.mu.Lock()
		st.LastDuration = p.e.lastDuration
		st.LastError = p.e.lastErr
		st.Generations = p.e.generations
		st.Failures = p.e.failures
		st.History = len(p.e.history)
		p.e.mu.Unlock()
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ScopeStats) int { return compareKeys(a.Key, b.Key) })
	return out
}

// Warm loads the latest persisted snapshots. It returns how many were installed.
func (s *Store) Warm(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}
	snaps, err := s.persister.LatestSnapshots(ctx)
	if err != nil {
		return 0, err
	}
	installed := 0
	for _, snap := range snaps {
		s.bumpSequence(snap.Sequence)
		e := s.ensure(snap.Key)
		snap.Valid = true
		if e.cur.CompareAndSwap(nil, &current{snap: snap}) {
			installed++
		}
	}
	return installed, nil
}

func (s *Store) bumpSequence(seen uint64) {
	for {
		cur := s.seq.Load()
		if cur >= seen || s.seq.CompareAndSwap(cur, seen) {
			return
		}
	}
}

func (s *Store) lookup(key models.ScopeKey) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[key]
}

func (s *Store) ensure(key models.ScopeKey) *entry {
	if e := s.lookup(key); e != nil {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e := &entry{}
	s.entries[key] = e
	return e
}

// installTarget checks the tombstone and resolves the entry under one lock, so a
// concurrent Delete cannot be undone by a generation that began before it.
func (s *Store) installTarget(key models.ScopeKey, seq uint64) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tomb, deleted := s.tombstones[key]; deleted && seq <= tomb {
		return nil, ErrScopeDeleted
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e, nil
}

func compareKeys(a, b models.ScopeKey) int {
	return strings.Compare(a.String(), b.String())
}
