package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-reliability/internal/repo"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply, roll back or inspect the Postgres schema used for links, scores, snapshots and refresh runs.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, logger, err := migrator()
				if err != nil {
					return err
				}
				if err := m.Up(cmd.Context()); err != nil {
					return err
				}
				logger.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, logger, err := migrator()
				if err != nil {
					return err
				}
				if err := m.Down(cmd.Context()); err != nil {
					return err
				}
				logger.Info("migration rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				m, _, err := migrator()
				if err != nil {
					return err
				}
				v, err := m.Version(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return nil
			},
		},
	)
	return cmd
}

func migrator() (*repo.Migrator, *slog.Logger, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is not configured")
	}
	return repo.NewMigrator(cfg.Database.DSN, migrationTimeout, logger), logger, nil
}
