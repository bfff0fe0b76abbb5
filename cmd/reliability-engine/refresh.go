package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-reliability/internal/models"
	"github.com/miradorstack/mirador-reliability/internal/services"
)

var refreshFlags struct {
	kind          string
	scope         string
	force         bool
	expiredOnly   bool
	preloadCommon bool
}

func newRefreshCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Generate dashboard snapshots in-process",
		Long: `Run one refresh batch against the configured sources and store, then exit.
By default only absent, stale or invalidated scopes are regenerated; --force regenerates
every configured scope. --kind restricts the batch to one dashboard kind, and together
with --scope generates exactly that scope.`,
		RunE: runRefresh,
	}
	cmd.Flags().StringVar(&refreshFlags.kind, "kind", "", "Dashboard kind (executive, product, environment, reliability)")
	cmd.Flags().StringVar(&refreshFlags.scope, "scope", "", "Scope within the kind (requires --kind)")
	cmd.Flags().BoolVar(&refreshFlags.force, "force", false, "Regenerate every configured scope, even if fresh")
	cmd.Flags().BoolVar(&refreshFlags.expiredOnly, "expired-only", false, "Only regenerate absent, stale or invalidated scopes (default)")
	cmd.Flags().BoolVar(&refreshFlags.preloadCommon, "preload-common", false, "Generate the configured common scopes")
	cmd.MarkFlagsMutuallyExclusive("force", "expired-only", "preload-common")
	cmd.MarkFlagsMutuallyExclusive("scope", "preload-common")
	return cmd
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if _, err := a.snapshots.Warm(ctx); err != nil {
		logger.Warn("snapshot warm failed", slog.Any("error", err))
	}

	if refreshFlags.scope != "" {
		if refreshFlags.kind == "" {
			return errors.New("--scope requires --kind")
		}
		key, err := services.ScopeKey(refreshFlags.kind, refreshFlags.scope)
		if err != nil {
			return err
		}
		if err := a.orch.Activate(key); err != nil {
			return err
		}
		if err := a.orch.RefreshScope(ctx, key); err != nil {
			return fmt.Errorf("refresh %s: %w", key, err)
		}
		view, err := a.service.Get(ctx, refreshFlags.kind, refreshFlags.scope)
		if err != nil {
			return err
		}
		return printJSON(cmd, view)
	}

	typ := models.RefreshExpiredOnly
	if refreshFlags.force {
		typ = models.RefreshForceAll
	}
	var run models.RefreshRun
	switch {
	case refreshFlags.preloadCommon:
		run, err = a.orch.Preload(ctx)
	case refreshFlags.kind != "":
		kind := models.DashboardKind(strings.ToLower(strings.TrimSpace(refreshFlags.kind)))
		if !kind.Valid() {
			return fmt.Errorf("unknown dashboard kind %q", refreshFlags.kind)
		}
		run, err = a.orch.RefreshKind(ctx, typ, kind)
	default:
		run, err = a.orch.RefreshAll(ctx, typ)
	}
	if perr := printJSON(cmd, run); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	if run.Failed > 0 {
		return errors.New("one or more scopes failed to refresh")
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
