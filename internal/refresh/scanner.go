package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Scanner periodically forces refreshes of stale scopes.
type Scanner struct {
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// NewScanner schedules orch.RefreshStale every interval. A zero interval disables scanning.
func NewScanner(orch *Orchestrator, interval time.Duration, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if interval > 0 {
		_, err = scheduler.NewJob(
			gocron.DurationJob(interval),
			gocron.NewTask(func() {
				scheduled := orch.RefreshStale(context.Background())
				orch.Stats()
				logger.Debug("staleness scan", slog.Int("scheduled", scheduled))
			}),
			gocron.WithStartAt(gocron.WithStartImmediately()),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithName("snapshot-staleness-scan"),
		)
		if err != nil {
			return nil, fmt.Errorf("register staleness scan: %w", err)
		}
	}
	return &Scanner{scheduler: scheduler, log: logger}, nil
}

// Start begins running scheduled jobs.
func (s *Scanner) Start() {
	s.scheduler.Start()
	s.log.Info("staleness scanner started")
}

// Shutdown stops the scheduler and waits for a running scan to finish.
func (s *Scanner) Shutdown() error {
	return s.scheduler.Shutdown()
}
