package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"chatpilot/internal/models"
)

// GetAPIKeyByHash looks up an API key by its SHA-256 hash. Raw keys are
// never stored or compared.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (models.APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, key_hash, scopes, active, expires_at, rate_per_min, daily_limit, last_used_at, request_count
		FROM api_keys WHERE key_hash = $1
	`, hash)

	var key models.APIKey
	var expires pgtype.Timestamptz
	var lastUsed pgtype.Timestamptz

	err := row.Scan(&key.ID, &key.TenantID, &key.Name, &key.KeyHash, &key.Scopes,
		&key.Active, &expires, &key.RatePerMin, &key.DailyLimit, &lastUsed, &key.RequestCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.APIKey{}, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return models.APIKey{}, fmt.Errorf("scan api key: %w", err)
	}
	if expires.Valid {
		key.ExpiresAt = &expires.Time
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	return key, nil
}

// TouchAPIKey records a successful validation: last-used timestamp and the
// aggregate request counter.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET last_used_at = NOW(), request_count = request_count + 1 WHERE id = $1
	`, id)
	return err
}
