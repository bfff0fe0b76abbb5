package repo

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists links, scores, snapshots and refresh runs. Link and score rows are
// append-only; retiring a link only stamps retired_at.
type Store interface {
	ActiveLinks(ctx context.Context, productID string) ([]models.Link, error)
	SaveLinks(ctx context.Context, productID string, active, retired []models.Link) error
	LatestScore(ctx context.Context, productID string) (models.ReliabilityScore, error)
	SaveScore(ctx context.Context, score models.ReliabilityScore) error

	SaveSnapshot(ctx context.Context, snap models.DashboardSnapshot) error
	LatestSnapshots(ctx context.Context) ([]models.DashboardSnapshot, error)
	PurgeSnapshots(ctx context.Context, before time.Time, keep int) (int, error)

	SaveRefreshRun(ctx context.Context, run models.RefreshRun) error
	RecentRefreshRuns(ctx context.Context, limit int) ([]models.RefreshRun, error)

	Close()
}
