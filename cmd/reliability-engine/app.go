package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-reliability/internal/cache"
	"github.com/miradorstack/mirador-reliability/internal/config"
	"github.com/miradorstack/mirador-reliability/internal/engine"
	"github.com/miradorstack/mirador-reliability/internal/extractors"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/refresh"
	"github.com/miradorstack/mirador-reliability/internal/repo"
	"github.com/miradorstack/mirador-reliability/internal/services"
	"github.com/miradorstack/mirador-reliability/internal/snapshots"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

const (
	leasePrefix      = "rel:lease:"
	migrationTimeout = 30 * time.Second
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	cache     cache.Provider
	store     repo.Store
	snapshots *snapshots.Store
	orch      *refresh.Orchestrator
	service   *services.DashboardService
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, utils.NewLogger(cfg.Logging.Level, cfg.Logging.Format), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, cache: cache.NoopProvider{}}

	var lease *cache.Lease
	if cfg.Cache.Enabled {
		provider, err := cache.NewRedisProvider(ctx, cache.RedisConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("cache unavailable, continuing without it", slog.Any("error", err))
		} else {
			a.cache = provider
			lease = cache.NewLease(provider, leasePrefix, leaseOwner(), cfg.Cache.LeaseTTL)
		}
	}

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.store = store

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("load rule pack: %w", err)
	}
	scorer, err := engine.NewScorer(scoringConfig(cfg.Scoring), rules, logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("build scorer: %w", err)
	}

	sources := repo.NewSourceClient(repo.SourceClientConfig{
		BaseURL:  cfg.Sources.BaseURL,
		Timeout:  cfg.Sources.Timeout,
		Rate:     cfg.Sources.Rate,
		Burst:    cfg.Sources.Burst,
		CacheTTL: cfg.Sources.CacheTTL,
	}, a.cache)

	pipeline := engine.NewPipeline(
		logger,
		sources,
		store,
		engine.NewCorrelator(cfg.Correlation.Threshold, logger),
		scorer,
		extractors.NewInfraExtractor(0),
		nil,
		cfg.Refresh.Workers,
	)

	a.snapshots = snapshots.New(snapshots.Options{
		RetainCount: cfg.Refresh.RetainCount,
		Persister:   store,
		Logger:      logger,
	})
	a.orch = refresh.New(a.snapshots, pipeline, configuredScopes(cfg), refresh.Options{
		Workers:           cfg.Refresh.Workers,
		MaxAge:            cfg.Refresh.MaxAge,
		GenerationTimeout: cfg.Refresh.GenerationTimeout,
		RetainCount:       cfg.Refresh.RetainCount,
		RetainAge:         cfg.Refresh.RetainAge,
		CommonScopes:      cfg.Refresh.CommonScopes,
		Lease:             lease,
		Runs:              store,
		Logger:            logger,
	})
	a.service = services.NewDashboardService(logger, a.orch)
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repo.Store, error) {
	if cfg.DSN == "" {
		logger.Info("no database configured, using in-memory store")
		return repo.NewMemoryStore(), nil
	}
	if cfg.MigrateOnStart {
		if err := repo.NewMigrator(cfg.DSN, migrationTimeout, logger).Up(ctx); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	store, err := repo.NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func scoringConfig(cfg config.ScoringConfig) engine.ScoringConfig {
	return engine.ScoringConfig{
		Weights: map[models.SubScore]float64{
			models.SubScoreRuntime:     cfg.Weights.Runtime,
			models.SubScoreQuality:     cfg.Weights.Quality,
			models.SubScoreOperations:  cfg.Weights.Operations,
			models.SubScoreCrossSystem: cfg.Weights.CrossSystem,
		},
		TrendEpsilon:       cfg.TrendEpsilon,
		TrendWindow:        cfg.TrendWindow,
		CriticalSaturation: cfg.CriticalSaturation,
		MaxIssueDensity:    cfg.MaxIssueDensity,
		FreshnessWindow:    cfg.FreshnessWindow,
		FactorLimit:        cfg.FactorLimit,
		SLATargets:         cfg.SLATargets,
		DefaultSLA:         cfg.DefaultSLA,
	}
}

// configuredScopes merges explicit scopes with the preload set, keeping first occurrence order.
func configuredScopes(cfg *config.Config) []models.ScopeKey {
	seen := make(map[models.ScopeKey]struct{})
	keys := make([]models.ScopeKey, 0, len(cfg.Scopes)+len(cfg.Refresh.CommonScopes))
	for _, key := range append(append([]models.ScopeKey(nil), cfg.Scopes...), cfg.Refresh.CommonScopes...) {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "reliability-engine"
	}
	return host + "/" + uuid.NewString()
}

// close releases everything newApp opened. It is safe on a partially built app.
func (a *app) close(ctx context.Context) {
	if a.orch != nil {
		if err := a.orch.Close(ctx); err != nil {
			a.logger.Warn("orchestrator close", slog.Any("error", err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("cache close", slog.Any("error", err))
		}
	}
}
