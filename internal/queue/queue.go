package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatpilot/internal/models"
	"chatpilot/internal/store"
)

// ErrUnavailable is returned when the queue backend cannot be reached.
// Callers decide whether to retry the enqueue or drop the work.
var ErrUnavailable = errors.New("queue unavailable")

// JobStore persists the durable job row backing each queue entry.
// MarkActive must only transition a waiting row and report ErrNotFound
// otherwise, so a stale queue entry cannot resurrect a finished job.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkActive(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	RescheduleJob(ctx context.Context, id string, attempts int, notBefore time.Time, lastError string) error
	CountJobs(ctx context.Context, kind models.Kind) (models.QueueStats, error)
}

// Queue coordinates ready, scheduled, and in-flight jobs per kind in Redis,
// with the authoritative row in Postgres. A job is visible to at most one
// worker at a time; delivery is at-least-once.
type Queue struct {
	client        *redis.Client
	store         JobStore
	log           *zap.Logger
	visibilityTTL time.Duration
	batchSize     int64

	now func() time.Time
}

// Options tunes one enqueue. Zero values fall back to the kind's policy.
type Options struct {
	TenantID    string
	MaxAttempts int
	Backoff     models.Backoff
	Delay       time.Duration
}

// New builds a queue over an existing Redis client and job store.
func New(client *redis.Client, store JobStore, visibilityTTL time.Duration, batchSize int, log *zap.Logger) *Queue {
	if visibilityTTL == 0 {
		visibilityTTL = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Queue{
		client:        client,
		store:         store,
		log:           log,
		visibilityTTL: visibilityTTL,
		batchSize:     int64(batchSize),
		now:           time.Now,
	}
}

func readyKey(kind models.Kind) string     { return fmt.Sprintf("queue:ready:%s", kind) }
func scheduledKey(kind models.Kind) string { return fmt.Sprintf("queue:scheduled:%s", kind) }

const inflightKey = "queue:inflight"

func metaKey(jobID string) string { return "queue:jobmeta:" + jobID }

// Enqueue creates a durable job and makes it visible now or after the delay.
func (q *Queue) Enqueue(ctx context.Context, kind models.Kind, payload any, opts Options) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	policy := models.PolicyFor(kind)
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = policy.MaxAttempts
	}
	if opts.Backoff == (models.Backoff{}) {
		opts.Backoff = policy.Backoff
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	now := q.now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		TenantID:    opts.TenantID,
		Payload:     raw,
		Status:      models.StatusWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		NotBefore:   now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("%w: create job: %v", ErrUnavailable, err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, metaKey(job.ID), "kind", string(kind))
	if job.NotBefore.After(now) {
		pipe.ZAdd(ctx, scheduledKey(kind), redis.Z{Score: float64(job.NotBefore.UnixMilli()), Member: job.ID})
	} else {
		pipe.RPush(ctx, readyKey(kind), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return job.ID, nil
}

// ClaimNext returns the oldest visible waiting job of kind, marking it
// active. It returns nil when nothing is ready. Claims are mutually
// exclusive: the Lua pop moves the ID into the in-flight set atomically.
func (q *Queue) ClaimNext(ctx context.Context, kind models.Kind) (*models.Job, error) {
	now := q.now()
	_, _ = q.promoteScheduled(ctx, kind, now)
	_ = q.reclaimExpired(ctx, now)

	res, err := claimScript.Run(ctx, q.client,
		[]string{readyKey(kind), inflightKey},
		now.Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	jobID, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}

	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		// Row is gone; drop the queue entry rather than spin on it.
		q.dropTracking(ctx, jobID)
		return nil, nil
	}
	if err := q.store.MarkActive(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Stale ready-list entry for a job that already finished.
			q.dropTracking(ctx, jobID)
			return nil, nil
		}
		return nil, fmt.Errorf("mark active: %w", err)
	}
	job.Status = models.StatusActive
	return &job, nil
}

// Ack marks a job completed and stops tracking it. Safe to call twice.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	q.dropTracking(ctx, jobID)
	return q.store.MarkCompleted(ctx, jobID)
}

// Fail records a failed attempt. This is the single retry decision point:
// while attempts remain it recomputes NotBefore from the job's backoff and
// returns the job to waiting, otherwise the job is terminally failed.
func (q *Queue) Fail(ctx context.Context, jobID string, jobErr error) error {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job for fail: %w", err)
	}

	attempts := job.Attempts + 1
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if attempts >= job.MaxAttempts {
		q.dropTracking(ctx, jobID)
		if err := q.store.MarkFailed(ctx, jobID, msg); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		q.log.Warn("job exhausted attempts",
			zap.String("job_id", jobID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", attempts),
			zap.String("error", msg))
		return nil
	}

	notBefore := q.now().UTC().Add(job.Backoff.Delay(attempts))
	if err := q.store.RescheduleJob(ctx, jobID, attempts, notBefore, msg); err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.ZAdd(ctx, scheduledKey(job.Kind), redis.Z{Score: float64(notBefore.UnixMilli()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Stats returns the status counters for one kind.
func (q *Queue) Stats(ctx context.Context, kind models.Kind) (models.QueueStats, error) {
	return q.store.CountJobs(ctx, kind)
}

// promoteScheduled moves due scheduled jobs of kind into the ready list.
// Every pool slot runs this, so the move is guarded by the ZRem count: only
// the caller that actually removed the member pushes it, or concurrent
// promotions would duplicate the job on the ready list.
func (q *Queue) promoteScheduled(ctx context.Context, kind models.Kind, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, scheduledKey(kind), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: q.batchSize,
	}).Result()
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	moved := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, scheduledKey(kind), id).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, readyKey(kind), id).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// reclaimExpired returns timed-out leases to their ready lists so a crashed
// worker's jobs are re-delivered. This is what makes at-least-once real.
func (q *Queue) reclaimExpired(ctx context.Context, now time.Time) error {
	ids, err := q.client.ZRangeByScore(ctx, inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: q.batchSize,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	for _, id := range ids {
		kind, err := q.client.HGet(ctx, metaKey(id), "kind").Result()
		if err != nil || kind == "" {
			q.dropTracking(ctx, id)
			continue
		}
		// Same guard as promoteScheduled: only the slot that won the ZRem
		// re-lists the job, so concurrent reclaims cannot hand one job to
		// two workers.
		removed, err := q.client.ZRem(ctx, inflightKey, id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, readyKey(models.Kind(kind)), id).Err(); err != nil {
			return err
		}
		if job, err := q.store.GetJob(ctx, id); err == nil && job.Status == models.StatusActive {
			_ = q.store.RescheduleJob(ctx, id, job.Attempts, now.UTC(), "lease expired")
			q.log.Warn("reclaimed expired lease", zap.String("job_id", id), zap.String("kind", kind))
		}
	}
	return nil
}

func (q *Queue) dropTracking(ctx context.Context, jobID string) {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, jobID)
	pipe.Del(ctx, metaKey(jobID))
	_, _ = pipe.Exec(ctx)
}

var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
