package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/metrics"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/refresh"
	"github.com/miradorstack/mirador-reliability/internal/snapshots"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// ErrInvalidScope signals a malformed dashboard kind or scope.
var ErrInvalidScope = errors.New("invalid scope")

// Refresher is the orchestrator surface the service depends on.
type Refresher interface {
	Get(ctx context.Context, key models.ScopeKey) (snapshots.Read, error)
	ForceRefresh(ctx context.Context, key models.ScopeKey) (refresh.Result, error)
	Invalidate(key models.ScopeKey) bool
	Cleanup(ctx context.Context) (refresh.CleanupResult, error)
	Stats() refresh.Stats
}

// DashboardView is the consumer-facing read result.
type DashboardView struct {
	Kind        models.DashboardKind `json:"kind"`
	Scope       string               `json:"scope"`
	Payload     json.RawMessage      `json:"payload"`
	GeneratedAt time.Time            `json:"generated_at"`
	AgeSeconds  float64              `json:"age_seconds"`
	IsStale     bool                 `json:"is_stale"`
	State       snapshots.State      `json:"state"`
	Sequence    uint64               `json:"sequence"`
	Generator   string               `json:"generator"`
}

// RefreshView reports a force-refresh outcome.
type RefreshView struct {
	Scope  string         `json:"scope"`
	Result refresh.Result `json:"result"`
}

// StatsView is the operational summary.
type StatsView struct {
	refresh.Stats
	ReadLatencyP50 time.Duration `json:"read_latency_p50"`
	ReadLatencyP95 time.Duration `json:"read_latency_p95"`
}

// DashboardService exposes dashboard reads, refreshes and maintenance to the transports.
type DashboardService struct {
	logger    *slog.Logger
	refresher Refresher
	latencies *utils.LatencyTracker
}

// NewDashboardService constructs the service facade.
func NewDashboardService(logger *slog.Logger, refresher Refresher) *DashboardService {
	return &DashboardService{
		logger:    utils.OrDefault(logger),
		refresher: refresher,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// ScopeKey validates kind and scope.
func ScopeKey(kind, scope string) (models.ScopeKey, error) {
	key := models.ScopeKey{Kind: models.DashboardKind(strings.ToLower(strings.TrimSpace(kind))), Scope: strings.TrimSpace(scope)}
	if !key.Kind.Valid() {
		return models.ScopeKey{}, fmt.Errorf("%w: unknown dashboard kind %q", ErrInvalidScope, kind)
	}
	if key.Scope == "" {
		return models.ScopeKey{}, fmt.Errorf("%w: scope is required", ErrInvalidScope)
	}
	return key, nil
}

// Get returns the current snapshot for the scope with its age.
func (s *DashboardService) Get(ctx context.Context, kind, scope string) (DashboardView, error) {
	key, err := ScopeKey(kind, scope)
	if err != nil {
		return DashboardView{}, err
	}

	start := time.Now()
	read, err := s.refresher.Get(ctx, key)
	s.latencies.Observe(time.Since(start))
	if err != nil {
		if !errors.Is(err, utils.ErrScopeNotFound) {
			s.logger.Warn("dashboard read failed", slog.String("scope", key.String()), slog.Any("error", err))
		}
		return DashboardView{Kind: key.Kind, Scope: key.Scope, State: read.State}, err
	}
	metrics.SetSnapshotAge(key.String(), read.Age)

	if count := s.latencies.Count(); count >= 100 && count%100 == 0 {
		s.logger.Info("dashboard read latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	return DashboardView{
		Kind:        key.Kind,
		Scope:       key.Scope,
		Payload:     read.Snapshot.Payload,
		GeneratedAt: read.Snapshot.GeneratedAt,
		AgeSeconds:  read.Age.Seconds(),
		IsStale:     read.Stale,
		State:       read.State,
		Sequence:    read.Snapshot.Sequence,
		Generator:   read.Snapshot.Generator,
	}, nil
}

// ForceRefresh schedules regeneration of the scope.
func (s *DashboardService) ForceRefresh(ctx context.Context, kind, scope string) (RefreshView, error) {
	key, err := ScopeKey(kind, scope)
	if err != nil {
		return RefreshView{}, err
	}
	result, err := s.refresher.ForceRefresh(ctx, key)
	if err != nil {
		return RefreshView{Scope: key.String()}, err
	}
	s.logger.Debug("force refresh", slog.String("scope", key.String()), slog.String("result", string(result)))
	return RefreshView{Scope: key.String(), Result: result}, nil
}

// Invalidate flags the scope's snapshot for regeneration by the next scan.
func (s *DashboardService) Invalidate(_ context.Context, kind, scope string) (bool, error) {
	key, err := ScopeKey(kind, scope)
	if err != nil {
		return false, err
	}
	return s.refresher.Invalidate(key), nil
}

// Cleanup purges superseded snapshots beyond retention.
func (s *DashboardService) Cleanup(ctx context.Context) (refresh.CleanupResult, error) {
	res, err := s.refresher.Cleanup(ctx)
	if err != nil {
		s.logger.Error("cleanup failed", slog.Any("error", err))
	}
	return res, err
}

// Stats reports per-scope state and read latency.
func (s *DashboardService) Stats(context.Context) StatsView {
	p := s.latencies.Percentiles(50, 95)
	return StatsView{Stats: s.refresher.Stats(), ReadLatencyP50: p[0], ReadLatencyP95: p[1]}
}
