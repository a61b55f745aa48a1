package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"chatpilot/internal/models"
)

// InsertMessage persists one message row.
func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, conversation_id, direction, body, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`, m.ID, m.TenantID, m.ConversationID, m.Direction, m.Body, m.Status)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MarkMessageSent records delivery, keyed by message id so a duplicate
// execution after a crash is harmless.
func (s *Store) MarkMessageSent(ctx context.Context, id, providerMessageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2, provider_message_id = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $2
	`, id, models.MessageSent, providerMessageID)
	return err
}

// MarkMessageFailed records a terminal delivery failure.
func (s *Store) MarkMessageFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.MessageFailed)
	return err
}

// GetDocument fetches a knowledge-base document row.
func (s *Store) GetDocument(ctx context.Context, id string) (models.Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, status, storage_key, indexed_at FROM documents WHERE id = $1
	`, id)

	var d models.Document
	var storageKey pgtype.Text
	var indexedAt pgtype.Timestamptz

	err := row.Scan(&d.ID, &d.TenantID, &d.Status, &storageKey, &indexedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Document{}, fmt.Errorf("scan document: %w", err)
	}
	d.StorageKey = textPtr(storageKey)
	if indexedAt.Valid {
		d.IndexedAt = &indexedAt.Time
	}
	return d, nil
}

// MarkDocumentIndexed records a completed ingestion.
func (s *Store) MarkDocumentIndexed(ctx context.Context, id, storageKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2, storage_key = $3, indexed_at = NOW() WHERE id = $1
	`, id, models.DocumentIndexed, storageKey)
	return err
}

// MarkDocumentFailed records an ingestion that exhausted its attempts. An
// already indexed row is left alone.
func (s *Store) MarkDocumentFailed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE documents SET status = $2 WHERE id = $1 AND status <> $3
	`, id, models.DocumentFailed, models.DocumentIndexed)
	return err
}
