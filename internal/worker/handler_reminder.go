package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatpilot/internal/models"
	"chatpilot/internal/queue"
	"chatpilot/internal/store"
)

// ReminderHandler turns a scheduled reminder into an outbound send. An
// appointment cancelled or deleted between scheduling and execution is
// skipped silently, never retried.
type ReminderHandler struct {
	appointments AppointmentStore
	enqueuer     Enqueuer
	log          *zap.Logger
}

// NewReminderHandler wires the reminder handler.
func NewReminderHandler(appointments AppointmentStore, enqueuer Enqueuer, log *zap.Logger) *ReminderHandler {
	return &ReminderHandler{appointments: appointments, enqueuer: enqueuer, log: log}
}

func (h *ReminderHandler) Handle(ctx context.Context, job models.Job) error {
	var p models.ReminderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("%w: malformed reminder payload: %v", ErrSkip, err)
	}

	appt, err := h.appointments.GetAppointment(ctx, p.AppointmentID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: appointment %s deleted", ErrSkip, p.AppointmentID)
	}
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != models.AppointmentScheduled {
		return fmt.Errorf("%w: appointment %s is %s", ErrSkip, appt.ID, appt.Status)
	}

	if _, err := h.enqueuer.Enqueue(ctx, models.KindOutboundSend, models.OutboundSendPayload{
		TenantID: appt.TenantID,
		To:       appt.ContactPhone,
		Message:  reminderText(p.Type, appt),
	}, queue.Options{TenantID: appt.TenantID}); err != nil {
		return fmt.Errorf("enqueue reminder send: %w", err)
	}

	h.log.Debug("reminder dispatched",
		zap.String("appointment_id", appt.ID),
		zap.String("threshold", p.Type))
	return nil
}

func reminderText(threshold string, appt models.Appointment) string {
	when := appt.StartsAt.Format("Mon Jan 2 at 15:04")
	name := appt.ContactName
	if name == "" {
		name = "there"
	}
	if threshold == models.ReminderType1h {
		return fmt.Sprintf("Hi %s, a reminder that your appointment starts in one hour (%s).", name, when)
	}
	return fmt.Sprintf("Hi %s, a reminder about your appointment tomorrow (%s).", name, when)
}
