package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists audit records in PostgreSQL.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a store with a pgx connection pool.
func NewPostgresStore(dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Put upserts the record for a task.
func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_records (task_id, task_type, status, output, error, agent_ids, duration_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			task_type = EXCLUDED.task_type,
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			agent_ids = EXCLUDED.agent_ids,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at`,
		rec.TaskID, rec.Type, rec.Status, rec.Output, rec.Error,
		rec.AgentIDs, rec.Duration.Milliseconds(), rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("audit put %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get loads the record for a task id.
func (s *PostgresStore) Get(ctx context.Context, taskID string) (*Record, error) {
	var rec Record
	var durationMS int64
	err := s.db.QueryRow(ctx, `
		SELECT task_id, task_type, status, output, error, agent_ids, duration_ms, completed_at
		FROM audit_records WHERE task_id = $1`, taskID).
		Scan(&rec.TaskID, &rec.Type, &rec.Status, &rec.Output, &rec.Error,
			&rec.AgentIDs, &durationMS, &rec.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit get %s: %w", taskID, err)
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return &rec, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
