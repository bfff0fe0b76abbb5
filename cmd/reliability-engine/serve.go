package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-reliability/internal/api"
	"github.com/miradorstack/mirador-reliability/internal/metrics"
	"github.com/miradorstack/mirador-reliability/internal/refresh"
	"github.com/miradorstack/mirador-reliability/internal/telemetry"
)

var skipPreload bool

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard service",
		Long: `Start the gRPC and HTTP dashboard APIs, the Prometheus metrics endpoint and the
background staleness scanner. Persisted snapshots are warmed before serving.`,
		RunE: runServe,
	}
	cmd.Flags().BoolVar(&skipPreload, "skip-preload", false, "Do not generate common scopes at startup")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting mirador-reliability",
		slog.String("grpc", cfg.Server.Address),
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("version", version))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if n, err := a.snapshots.Warm(ctx); err != nil {
		logger.Warn("snapshot warm failed", slog.Any("error", err))
	} else if n > 0 {
		logger.Info("warmed snapshots from store", slog.Int("count", n))
	}

	server, err := api.NewServer(cfg.Server, logger, api.NewGRPCService(logger, a.service))
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("create gRPC server: %w", err)
	}

	var httpServer *api.HTTPServer
	if cfg.Server.HTTPAddress != "" {
		httpServer, err = api.NewHTTPServer(cfg.Server.HTTPAddress, api.NewRouter(logger, a.service))
		if err != nil {
			a.close(context.Background())
			return fmt.Errorf("create HTTP server: %w", err)
		}
		go func() {
			logger.Info("http server listening", slog.String("address", httpServer.Address()))
			if err := httpServer.Start(); err != nil {
				logger.Error("http server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		logger.Info("gRPC server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	scanner, err := refresh.NewScanner(a.orch, cfg.Refresh.ScanInterval, logger)
	if err != nil {
		logger.Warn("staleness scanner disabled", slog.Any("error", err))
	} else {
		scanner.Start()
	}

	if !skipPreload {
		go func() {
			run, err := a.orch.Preload(ctx)
			if err != nil {
				logger.Warn("preload incomplete", slog.Any("error", err), slog.Int("failed", run.Failed))
				return
			}
			logger.Info("preloaded common scopes", slog.Int("refreshed", run.Refreshed))
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if scanner != nil {
		if err := scanner.Shutdown(); err != nil {
			logger.Warn("scanner shutdown", slog.Any("error", err))
		}
	}
	server.Shutdown(shutdownCtx)
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
	}
	a.close(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", slog.Any("error", err))
	}

	logger.Info("mirador-reliability stopped")
	return nil
}
