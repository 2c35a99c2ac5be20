package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/emailassist/emailassist/internal/assistant"
	"github.com/emailassist/emailassist/internal/config"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record is one settled submission as stored in the ledger
type Record struct {
	ID         string
	Source     string
	EmailText  string
	Category   string
	Reply      string
	TokensUsed *int
	Error      string
	ErrorKind  string
	StatusCode int
	DurationMs int64
	CreatedAt  time.Time
}

func (r Record) Status() Status {
	if r.Error != "" {
		return StatusFailed
	}
	return StatusSuccess
}

// CategoryCount is the number of successful submissions in one category
type CategoryCount struct {
	Category string
	Count    int
}

type Stats struct {
	Total      int
	Succeeded  int
	Failed     int
	TokensUsed int64
	ByCategory []CategoryCount
}

// Ledger records settled submissions
type Ledger interface {
	Record(ctx context.Context, sub assistant.Submission) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Open returns the ledger selected by cfg.Driver
func Open(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) (Ledger, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewStore(cfg.Path)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	case "none":
		return nopLedger{}, nil
	default:
		return nil, fmt.Errorf("unknown history driver: %s", cfg.Driver)
	}
}

// Observer records every submission it sees. Failures are logged, never returned.
func Observer(l Ledger, logger *zap.Logger) assistant.Observer {
	return assistant.ObserverFunc(func(ctx context.Context, sub assistant.Submission) {
		if err := l.Record(ctx, sub); err != nil {
			logger.Warn("failed to record submission",
				zap.String("submission_id", sub.ID),
				zap.Error(err),
			)
		}
	})
}

func recordFromSubmission(sub assistant.Submission) Record {
	return Record{
		ID:         sub.ID,
		Source:     sub.Source,
		EmailText:  sub.EmailText,
		Category:   sub.Category,
		Reply:      sub.Reply,
		TokensUsed: sub.TokensUsed,
		Error:      sub.Error,
		ErrorKind:  string(sub.ErrorKind),
		StatusCode: sub.StatusCode,
		DurationMs: sub.Duration.Milliseconds(),
		CreatedAt:  sub.StartedAt.UTC(),
	}
}

type nopLedger struct{}

func (nopLedger) Record(context.Context, assistant.Submission) error { return nil }
func (nopLedger) Recent(context.Context, int) ([]Record, error) { return nil, nil }
func (nopLedger) Stats(context.Context) (Stats, error) { return Stats{}, nil }
func (nopLedger) Close() error { return nil }

// Store is the local sqlite ledger
type Store struct {
	db *sql.DB
}

// scanRecord handles nullable columns when scanning a row
func scanRecord(scanner interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	var category, reply, errStr, errKind sql.NullString
	var tokens, statusCode, durationMs sql.NullInt64
	var createdAt sql.NullTime

	err := scanner.Scan(&r.ID, &r.Source, &r.EmailText, &category, &reply, &tokens,
		&errStr, &errKind, &statusCode, &durationMs, &createdAt)
	if err != nil {
		return nil, err
	}

	r.Category = category.String
	r.Reply = reply.String
	if tokens.Valid {
		n := int(tokens.Int64)
		r.TokensUsed = &n
	}
	r.Error = errStr.String
	r.ErrorKind = errKind.String
	r.StatusCode = int(statusCode.Int64)
	r.DurationMs = durationMs.Int64
	r.CreatedAt = createdAt.Time
	return &r, nil
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
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
		duration_ms INTEGER,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sub_created_at ON submissions(created_at);
	CREATE INDEX IF NOT EXISTS idx_sub_category ON submissions(category);
	CREATE INDEX IF NOT EXISTS idx_sub_source ON submissions(source);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate history: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, sub assistant.Submission) error {
	r := recordFromSubmission(sub)

	var tokens sql.NullInt64
	if r.TokensUsed != nil {
		tokens = sql.NullInt64{Int64: int64(*r.TokensUsed), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, source, email_text, category, reply, tokens_used,
			error, error_kind, status_code, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Source, r.EmailText, r.Category, r.Reply, tokens,
		r.Error, r.ErrorKind, r.StatusCode, r.DurationMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, email_text, category, reply, tokens_used,
			error, error_kind, status_code, duration_ms, created_at
		FROM submissions
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN error IS NULL OR error = '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(tokens_used), 0)
		FROM submissions`).Scan(&stats.Total, &stats.Succeeded, &stats.TokensUsed)
	if err != nil {
		return stats, fmt.Errorf("failed to query stats: %w", err)
	}
	stats.Failed = stats.Total - stats.Succeeded

	rows, err := s.db.QueryContext(ctx, `
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

func (s *Store) Close() error {
	return s.db.Close()
}
