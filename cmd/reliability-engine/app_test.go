package main

import (
	"context"
	"testing"

	"github.com/miradorstack/mirador-reliability/internal/config"
	"github.com/miradorstack/mirador-reliability/internal/engine"
	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/repo"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

func TestConfiguredScopesDeduplicates(t *testing.T) {
	checkout := models.ScopeKey{Kind: models.KindProduct, Scope: "checkout"}
	exec := models.ScopeKey{Kind: models.KindExecutive, Scope: "all"}
	cfg := &config.Config{
		Scopes:  []models.ScopeKey{checkout, exec},
		Refresh: config.RefreshConfig{CommonScopes: []models.ScopeKey{exec}},
	}
	keys := configuredScopes(cfg)
	if len(keys) != 2 || keys[0] != checkout || keys[1] != exec {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestScoringConfigMapsWeights(t *testing.T) {
	t.Setenv("MIRADOR_REL_CONFIG", "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	sc := scoringConfig(cfg.Scoring)
	if err := sc.Validate(); err != nil {
		t.Fatalf("mapped scoring config invalid: %v", err)
	}
	if sc.Weights[models.SubScoreRuntime] != 0.4 || sc.Weights[models.SubScoreCrossSystem] != 0.1 {
		t.Fatalf("unexpected weights %+v", sc.Weights)
	}
	if sc.MaxIssueDensity != engine.DefaultScoringConfig().MaxIssueDensity {
		t.Fatalf("config and engine disagree on issue density: %v", sc.MaxIssueDensity)
	}
}

func TestNewAppUsesMemoryStoreWithoutDSN(t *testing.T) {
	t.Setenv("MIRADOR_REL_CONFIG", "")
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Rules.Path = ""
	ctx := context.Background()
	a, err := newApp(ctx, cfg, utils.NewLogger("error", "text"))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close(ctx)

	if _, ok := a.store.(*repo.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", a.store)
	}
	if !a.orch.Configured(models.ScopeKey{Kind: models.KindExecutive, Scope: "all"}) {
		t.Fatalf("expected common scope to be configured")
	}
}
