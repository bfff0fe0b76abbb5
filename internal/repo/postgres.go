package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/miradorstack/mirador-reliability/internal/models"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists reliability data in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn and verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// ActiveLinks returns the unretired links of a product.
func (s *PostgresStore) ActiveLinks(ctx context.Context, productID string) ([]models.Link, error) {
	const query = `
SELECT issue_id, ticket_key, method, confidence, created_at
FROM links
WHERE product_id = $1 AND retired_at IS NULL
ORDER BY issue_id, ticket_key`

	rows, err := s.pool.Query(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("query active links: %w", err)
	}
	defer rows.Close()

	out := make([]models.Link, 0)
	for rows.Next() {
		var (
			l      models.Link
			method string
		)
		if err := rows.Scan(&l.IssueID, &l.TicketKey, &method, &l.Confidence, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.Method = models.DiscoveryMethod(method)
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveLinks retires and appends links in one transaction. Writers for the same product are
// serialised by a transaction-scoped advisory lock.
func (s *PostgresStore) SaveLinks(ctx context.Context, productID string, active, retired []models.Link) error {
	const retireQuery = `
UPDATE links SET retired_at = $5
WHERE product_id = $1 AND issue_id = $2 AND ticket_key = $3 AND method = $4 AND retired_at IS NULL`

	const currentQuery = `
SELECT method, confidence FROM links
WHERE product_id = $1 AND issue_id = $2 AND ticket_key = $3 AND retired_at IS NULL`

	const retireChangedQuery = `
UPDATE links SET retired_at = $4
WHERE product_id = $1 AND issue_id = $2 AND ticket_key = $3 AND retired_at IS NULL`

	const insertQuery = `
INSERT INTO links (product_id, issue_id, ticket_key, method, confidence, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	const lockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, lockQuery, "links:"+productID); err != nil {
		return fmt.Errorf("lock links %s: %w", productID, err)
	}

	for _, l := range retired {
		if _, err := tx.Exec(ctx, retireQuery, productID, l.IssueID, l.TicketKey, string(l.Method), retiredAt(l)); err != nil {
			return fmt.Errorf("retire link %s/%s: %w", l.IssueID, l.TicketKey, err)
		}
	}

	for _, l := range active {
		var (
			method     string
			confidence float64
		)
		err := tx.QueryRow(ctx, currentQuery, productID, l.IssueID, l.TicketKey).Scan(&method, &confidence)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("lookup link %s/%s: %w", l.IssueID, l.TicketKey, err)
		case method == string(l.Method) && confidence == l.Confidence:
			continue
		default:
			if _, err := tx.Exec(ctx, retireChangedQuery, productID, l.IssueID, l.TicketKey, l.CreatedAt); err != nil {
				return fmt.Errorf("retire changed link %s/%s: %w", l.IssueID, l.TicketKey, err)
			}
		}
		if _, err := tx.Exec(ctx, insertQuery, productID, l.IssueID, l.TicketKey, string(l.Method), l.Confidence, l.CreatedAt); err != nil {
			return fmt.Errorf("insert link %s/%s: %w", l.IssueID, l.TicketKey, err)
		}
	}

	return tx.Commit(ctx)
}

// LatestScore returns the newest score row for a product.
func (s *PostgresStore) LatestScore(ctx context.Context, productID string) (models.ReliabilityScore, error) {
	const query = `
SELECT body FROM reliability_scores
WHERE product_id = $1
ORDER BY computed_at DESC, id DESC
LIMIT 1`

	var body []byte
	if err := s.pool.QueryRow(ctx, query, productID).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ReliabilityScore{}, ErrNotFound
		}
		return models.ReliabilityScore{}, fmt.Errorf("query latest score: %w", err)
	}
	var score models.ReliabilityScore
	if err := json.Unmarshal(body, &score); err != nil {
		return models.ReliabilityScore{}, fmt.Errorf("decode score: %w", err)
	}
	return score, nil
}

// SaveScore appends a score row.
func (s *PostgresStore) SaveScore(ctx context.Context, score models.ReliabilityScore) error {
	const query = `
INSERT INTO reliability_scores (run_id, product_id, overall, trend, health, body, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	body, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, score.RunID, score.ProductID, score.Overall, string(score.Trend), string(score.Health), body, score.ComputedAt); err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

// SaveSnapshot upserts a snapshot row by (scope_key, sequence).
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap models.DashboardSnapshot) error {
	const query = `
INSERT INTO dashboard_snapshots
    (scope_key, kind, scope, sequence, payload, generated_at, generation_ms, generator, valid, source_record_count, data_size)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (scope_key, sequence) DO UPDATE SET valid = EXCLUDED.valid`

	payload := snap.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, err := s.pool.Exec(ctx, query,
		snap.Key.String(), string(snap.Key.Kind), snap.Key.Scope, int64(snap.Sequence), []byte(payload),
		snap.GeneratedAt, snap.GenerationDuration.Milliseconds(), snap.Generator, snap.Valid,
		snap.SourceRecordCount, snap.DataSize,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// LatestSnapshots returns the highest-sequence valid snapshot per scope key.
func (s *PostgresStore) LatestSnapshots(ctx context.Context) ([]models.DashboardSnapshot, error) {
	const query = `
SELECT DISTINCT ON (scope_key)
    kind, scope, sequence, payload, generated_at, generation_ms, generator, valid, source_record_count, data_size
FROM dashboard_snapshots
WHERE valid
ORDER BY scope_key, sequence DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]models.DashboardSnapshot, 0)
	for rows.Next() {
		var (
			snap    models.DashboardSnapshot
			kind    string
			seq     int64
			payload []byte
			ms      int64
		)
		if err := rows.Scan(&kind, &snap.Key.Scope, &seq, &payload, &snap.GeneratedAt, &ms, &snap.Generator, &snap.Valid, &snap.SourceRecordCount, &snap.DataSize); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Key.Kind = models.DashboardKind(kind)
		snap.Sequence = uint64(seq)
		snap.Payload = json.RawMessage(payload)
		snap.GenerationDuration = time.Duration(ms) * time.Millisecond
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PurgeSnapshots deletes rows older than before, keeping the newest keep rows per key.
func (s *PostgresStore) PurgeSnapshots(ctx context.Context, before time.Time, keep int) (int, error) {
	const query = `
DELETE FROM dashboard_snapshots d
USING (
    SELECT id, row_number() OVER (PARTITION BY scope_key ORDER BY sequence DESC) AS rn
    FROM dashboard_snapshots
) ranked
WHERE d.id = ranked.id AND ranked.rn > $2 AND d.generated_at < $1`

	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.Exec(ctx, query, before, keep)
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveRefreshRun records a refresh batch.
func (s *PostgresStore) SaveRefreshRun(ctx context.Context, run models.RefreshRun) error {
	const query = `
INSERT INTO refresh_runs (id, type, started, completed, refreshed, failed, errors)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	body, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("encode refresh errors: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, run.ID, string(run.Type), run.Started, run.Completed, run.Refreshed, run.Failed, body); err != nil {
		return fmt.Errorf("insert refresh run: %w", err)
	}
	return nil
}

// RecentRefreshRuns returns up to limit runs, newest first.
func (s *PostgresStore) RecentRefreshRuns(ctx context.Context, limit int) ([]models.RefreshRun, error) {
	const query = `
SELECT id, type, started, completed, refreshed, failed, errors
FROM refresh_runs
ORDER BY started DESC
LIMIT $1`

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query refresh runs: %w", err)
	}
	defer rows.Close()

	out := make([]models.RefreshRun, 0)
	for rows.Next() {
		var (
			run  models.RefreshRun
			kind string
			errs []byte
		)
		if err := rows.Scan(&run.ID, &kind, &run.Started, &run.Completed, &run.Refreshed, &run.Failed, &errs); err != nil {
			return nil, fmt.Errorf("scan refresh run: %w", err)
		}
		run.Type = models.RefreshType(kind)
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &run.Errors); err != nil {
				return nil, fmt.Errorf("decode refresh errors: %w", err)
			}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
