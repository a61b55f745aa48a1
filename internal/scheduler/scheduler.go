// Package scheduler runs the periodic reminder scan. Idempotency lives in
// the store query: candidates are claimed by stamping the per-threshold
// sent marker in the same statement that selects them, so a second tick
// (or a second scheduler instance) enqueues nothing for the same pair.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chatpilot/internal/models"
	"chatpilot/internal/queue"
)

// ReminderStore claims appointments due for a reminder threshold.
type ReminderStore interface {
	ClaimDueReminders(ctx context.Context, threshold string, lookahead time.Duration, now time.Time) ([]models.Appointment, error)
}

// Enqueuer produces reminder jobs. Implemented by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind models.Kind, payload any, opts queue.Options) (string, error)
}

// Scheduler ticks on a fixed interval and enqueues one Reminder job per
// claimed (appointment, threshold) pair.
type Scheduler struct {
	cron       *cron.Cron
	store      ReminderStore
	enqueuer   Enqueuer
	interval   time.Duration
	lookaheads []time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	running bool

	now func() time.Time
}

// New builds the reminder scheduler.
func New(store ReminderStore, enqueuer Enqueuer, interval time.Duration, lookaheads []time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if len(lookaheads) == 0 {
		lookaheads = []time.Duration{24 * time.Hour, time.Hour}
	}
	return &Scheduler{
		cron:       cron.New(),
		store:      store,
		enqueuer:   enqueuer,
		interval:   interval,
		lookaheads: lookaheads,
		log:        log,
		now:        time.Now,
	}
}

// Start registers the scan task and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	spec := "@every " + s.interval.String()
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Scan(ctx); err != nil {
			s.log.Error("reminder scan failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register reminder scan: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop waits for a running scan to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
	s.running = false
}

// Scan claims every appointment crossing a lookahead threshold and enqueues
// its reminder.
func (s *Scheduler) Scan(ctx context.Context) error {
	now := s.now().UTC()
	for _, lookahead := range s.lookaheads {
		threshold, err := thresholdName(lookahead)
		if err != nil {
			return err
		}
		claimed, err := s.store.ClaimDueReminders(ctx, threshold, lookahead, now)
		if err != nil {
			return fmt.Errorf("claim %s reminders: %w", threshold, err)
		}
		for _, appt := range claimed {
			if _, err := s.enqueuer.Enqueue(ctx, models.KindReminder, models.ReminderPayload{
				AppointmentID: appt.ID,
				Type:          threshold,
			}, queue.Options{TenantID: appt.TenantID}); err != nil {
				// The marker is already stamped; losing this enqueue means a
				// missed reminder, so surface it loudly.
				s.log.Error("reminder enqueue failed",
					zap.String("appointment_id", appt.ID),
					zap.String("threshold", threshold),
					zap.Error(err))
				continue
			}
		}
		if len(claimed) > 0 {
			s.log.Info("reminders enqueued",
				zap.String("threshold", threshold),
				zap.Int("count", len(claimed)))
		}
	}
	return nil
}

func thresholdName(lookahead time.Duration) (string, error) {
	switch lookahead {
	case 24 * time.Hour:
		return models.ReminderType24h, nil
	case time.Hour:
		return models.ReminderType1h, nil
	default:
		return "", fmt.Errorf("no reminder threshold for lookahead %s", lookahead)
	}
}
