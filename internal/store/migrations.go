package store

import (
	"context"
	"fmt"
)

// migrations run in order on startup. Statements are idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		tenant_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL,
		status TEXT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL,
		backoff_type TEXT NOT NULL,
		backoff_base_ms BIGINT NOT NULL,
		not_before TIMESTAMPTZ NOT NULL,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_kind_status ON jobs (kind, status)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key_hash TEXT NOT NULL UNIQUE,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMPTZ,
		rate_per_min INT NOT NULL DEFAULT 60,
		daily_limit INT NOT NULL DEFAULT 10000,
		last_used_at TIMESTAMPTZ,
		request_count BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contact_phone TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		starts_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		reminder_24h_sent_at TIMESTAMPTZ,
		reminder_1h_sent_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_starts_at ON appointments (starts_at) WHERE status = 'scheduled'`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		provider_message_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id UUID PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		storage_key TEXT,
		indexed_at TIMESTAMPTZ
	)`,
}

// RunMigrations executes the schema statements in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
