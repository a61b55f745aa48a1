package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"chatpilot/internal/models"
)

func reminderColumn(threshold string) (string, error) {
	switch threshold {
	case models.ReminderType24h:
		return "reminder_24h_sent_at", nil
	case models.ReminderType1h:
		return "reminder_1h_sent_at", nil
	default:
		return "", fmt.Errorf("unknown reminder threshold %q", threshold)
	}
}

// ClaimDueReminders selects scheduled appointments whose start time falls
// inside the lookahead window and that have not yet been notified for the
// threshold, stamping the sent marker in the same statement. A second scan
// inside the same tick selects nothing, which is what makes the scheduler
// idempotent.
func (s *Store) ClaimDueReminders(ctx context.Context, threshold string, lookahead time.Duration, now time.Time) ([]models.Appointment, error) {
	col, err := reminderColumn(threshold)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE appointments SET %s = NOW()
		WHERE id IN (
			SELECT id FROM appointments
			WHERE status = 'scheduled'
			  AND %s IS NULL
			  AND starts_at > $1
			  AND starts_at <= $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, contact_phone, contact_name, starts_at, status
	`, col, col)

	rows, err := s.pool.Query(ctx, query, now, now.Add(lookahead))
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		var a models.Appointment
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ContactPhone, &a.ContactName, &a.StartsAt, &a.Status); err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAppointment fetches one appointment row.
func (s *Store) GetAppointment(ctx context.Context, id string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, contact_phone, contact_name, starts_at, status
		FROM appointments WHERE id = $1
	`, id)

	var a models.Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.ContactPhone, &a.ContactName, &a.StartsAt, &a.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Appointment{}, fmt.Errorf("scan appointment: %w", err)
	}
	return a, nil
}
