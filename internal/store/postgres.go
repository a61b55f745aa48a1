package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatpilot/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row in the waiting state.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, payload, status, attempts, max_attempts, backoff_type, backoff_base_ms, not_before, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $10)
	`, job.ID, string(job.Kind), job.TenantID, []byte(job.Payload), job.Status,
		job.MaxAttempts, job.Backoff.Type, job.Backoff.Base.Milliseconds(), job.NotBefore, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, tenant_id, payload, status, attempts, max_attempts, backoff_type, backoff_base_ms, not_before, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var kind string
	var backoffType string
	var backoffBaseMs int64
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &kind, &job.TenantID, &job.Payload, &job.Status,
		&job.Attempts, &job.MaxAttempts, &backoffType, &backoffBaseMs,
		&job.NotBefore, &lastErr, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Kind = models.Kind(kind)
	job.Backoff = models.Backoff{Type: backoffType, Base: time.Duration(backoffBaseMs) * time.Millisecond}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkActive transitions a claimed job to active. Only a waiting row moves;
// a stale queue entry for a finished job reports ErrNotFound so the caller
// drops it instead of flipping a terminal status back to active.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusActive, models.StatusWaiting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted transitions a job to completed. Calling it twice is a no-op.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, models.StatusCompleted)
	return err
}

// MarkFailed records a terminal failure with the last error for inspection.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, lastError)
	return err
}

// RescheduleJob returns a job to waiting with updated attempts and NotBefore.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, notBefore time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, not_before = $4, last_error = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusWaiting, attempts, notBefore, lastError)
	return err
}

// CountJobs returns per-status counts for one kind.
func (s *Store) CountJobs(ctx context.Context, kind models.Kind) (models.QueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE kind = $1 GROUP BY status
	`, string(kind))
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan count: %w", err)
		}
		switch status {
		case models.StatusWaiting:
			stats.Waiting = n
		case models.StatusActive:
			stats.Active = n
		case models.StatusCompleted:
			stats.Completed = n
		case models.StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
