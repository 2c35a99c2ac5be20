package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/emailassist/emailassist/internal/assistant"
)

// PostgresStore is a ledger shared by several clients
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = time.Minute

	logger.Info("Initializing PostgreSQL history",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("db", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns),
	)

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			email_text TEXT NOT NULL,
			category TEXT,
			reply TEXT,
			tokens_used INTEGER,
			error TEXT,
			error_kind TEXT,
			status_code INTEGER,
			duration_ms BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_sub_created_at ON submissions(created_at);
		CREATE INDEX IF NOT EXISTS idx_sub_category ON submissions(category);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, sub assistant.Submission) error {
	r := recordFromSubmission(sub)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO submissions (id, source, email_text, category, reply, tokens_used,
			error, error_kind, status_code, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Source, r.EmailText, r.Category, r.Reply, r.TokensUsed,
		r.Error, r.ErrorKind, r.StatusCode, r.DurationMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, email_text, COALESCE(category, ''), COALESCE(reply, ''), tokens_used,
			COALESCE(error, ''), COALESCE(error_kind, ''), COALESCE(status_code, 0),
			COALESCE(duration_ms, 0), created_at
		FROM submissions
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Source, &r.EmailText, &r.Category, &r.Reply, &r.TokensUsed,
			&r.Error, &r.ErrorKind, &r.StatusCode, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE error IS NULL OR error = ''),
			COALESCE(SUM(tokens_used), 0)
		FROM submissions`).Scan(&stats.Total, &stats.Succeeded, &stats.TokensUsed)
	if err != nil {
		return stats, fmt.Errorf("failed to query stats: %w", err)
	}
	stats.Failed = stats.Total - stats.Succeeded

	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*) FROM submissions
		WHERE category IS NOT NULL AND category <> ''
		GROUP BY category
		ORDER BY COUNT(*) DESC, category`)
	if err != nil {
		return stats, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return stats, err
		}
		stats.ByCategory = append(stats.ByCategory, cc)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
