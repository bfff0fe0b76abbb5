package repo

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver for database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	dsn     string
	timeout time.Duration
	log     *slog.Logger
}

// NewMigrator creates a migration runner for dsn.
func NewMigrator(dsn string, timeout time.Duration, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Migrator{dsn: dsn, timeout: timeout, log: logger}
}

// Up applies all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		m.log.Info("applying migrations")
		return goose.UpContext(runCtx, db, "migrations")
	})
}

// Down rolls back the most recent migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		m.log.Info("rolling back migration")
		return goose.DownContext(runCtx, db, "migrations")
	})
}

// Version reports the current schema version.
func (m *Migrator) Version(ctx context.Context) (int64, error) {
	var version int64
	err := m.withDB(ctx, func(runCtx context.Context, db *sql.DB) error {
		v, err := goose.GetDBVersionContext(runCtx, db)
		version = v
		return err
	})
	return version, err
}

func (m *Migrator) withDB(ctx context.Context, fn func(context.Context, *sql.DB) error) error {
	if m.dsn == "" {
		return fmt.Errorf("migrate: database dsn not configured")
	}
	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := fn(runCtx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
