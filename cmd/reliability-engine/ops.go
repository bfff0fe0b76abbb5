package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-reliability/internal/api"
)

var (
	serverAddr string
	rpcTimeout time.Duration
)

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print snapshot and refresh statistics",
		Long: `Query a running service for per-scope snapshot state. Without --server the
statistics of a freshly built in-process engine are printed, which is useful to check config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serverAddr != "" {
				return callRemote(cmd, func(ctx context.Context, c *api.DashboardsClient) (*structpb.Struct, error) {
					return c.Stats(ctx, nil)
				})
			}
			return withLocalApp(cmd, func(ctx context.Context, a *app) (any, error) {
				if _, err := a.snapshots.Warm(ctx); err != nil {
					return nil, err
				}
				return a.service.Stats(ctx), nil
			})
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func newCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge superseded snapshots past the retention age",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if serverAddr != "" {
				return callRemote(cmd, func(ctx context.Context, c *api.DashboardsClient) (*structpb.Struct, error) {
					return c.Cleanup(ctx, nil)
				})
			}
			return withLocalApp(cmd, func(ctx context.Context, a *app) (any, error) {
				return a.service.Cleanup(ctx)
			})
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

func addRemoteFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverAddr, "server", "", "gRPC address of a running service (host:port)")
	cmd.Flags().DurationVar(&rpcTimeout, "timeout", 10*time.Second, "RPC timeout")
}

func callRemote(cmd *cobra.Command, call func(context.Context, *api.DashboardsClient) (*structpb.Struct, error)) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), rpcTimeout)
	defer cancel()
	resp, err := call(ctx, api.NewDashboardsClient(conn))
	if err != nil {
		return err
	}
	var out map[string]any
	if err := api.DecodeStruct(resp, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func withLocalApp(cmd *cobra.Command, fn func(context.Context, *app) (any, error)) error {
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
	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}
