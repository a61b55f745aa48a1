package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chatpilot/internal/models"
	"chatpilot/internal/telemetry"
)

// ErrSkip marks a permanent condition (malformed payload, missing entity).
// The pool acks the job as a completed no-op instead of burning retries.
var ErrSkip = errors.New("skip job")

// JobQueue is the claim/ack/fail surface a pool drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, kind models.Kind) (*models.Job, error)
	Ack(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, jobErr error) error
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
}

// leaseGrace pads the lease extension past the attempt timeout so a
// just-finishing attempt is never reclaimed under the worker.
const leaseGrace = 5 * time.Second

// Handler executes one job attempt. Follow-up jobs must be enqueued before
// the handler returns nil; the pool acks only afterwards, so a crash in
// between duplicates work rather than losing it.
type Handler interface {
	Handle(ctx context.Context, job models.Job) error
}

// HandlerFunc adapts a func to Handler.
type HandlerFunc func(ctx context.Context, job models.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job models.Job) error { return f(ctx, job) }

// Pool runs a bounded number of consumer slots against one job kind.
type Pool struct {
	kind         models.Kind
	policy       models.Policy
	queue        JobQueue
	handler      Handler
	limiter      *rate.Limiter
	pollInterval time.Duration
	log          *zap.Logger
}

// NewPool builds a pool for kind with the kind's policy table entry.
func NewPool(kind models.Kind, q JobQueue, h Handler, pollInterval time.Duration, log *zap.Logger) *Pool {
	policy := models.PolicyFor(kind)
	var limiter *rate.Limiter
	if policy.PerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(policy.PerSecond), int(policy.PerSecond))
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Pool{
		kind:         kind,
		policy:       policy,
		queue:        q,
		handler:      h,
		limiter:      limiter,
		pollInterval: pollInterval,
		log:          log.With(zap.String("kind", string(kind))),
	}
}

// Run blocks until ctx is cancelled, executing jobs with up to the policy's
// concurrency in parallel.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.policy.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runSlot(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) runSlot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// The pool throttle runs before the claim so a slot never holds a
		// lease while waiting for a token.
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
		}

		job, err := p.queue.ClaimNext(ctx, p.kind)
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		p.execute(ctx, *job)
	}
}

func (p *Pool) execute(ctx context.Context, job models.Job) {
	telemetry.InFlightGauge.WithLabelValues(string(p.kind)).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(string(p.kind)).Dec()

	// The claim's default lease is shorter than the slowest attempt this
	// kind allows. Stretch it over the whole attempt up front, or a second
	// worker reclaims the job mid-flight.
	if err := p.queue.ExtendLease(ctx, job.ID, p.policy.Timeout+leaseGrace); err != nil {
		p.log.Warn("lease extension failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	// A stalled external call must not hold this slot forever; expiry is an
	// ordinary failure fed into Fail.
	attemptCtx, cancel := context.WithTimeout(ctx, p.policy.Timeout)
	err := p.handler.Handle(attemptCtx, job)
	cancel()

	switch {
	case err == nil:
		if ackErr := p.queue.Ack(ctx, job.ID); ackErr != nil {
			p.log.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
			return
		}
		telemetry.JobSuccess.WithLabelValues(string(p.kind)).Inc()

	case errors.Is(err, ErrSkip):
		if ackErr := p.queue.Ack(ctx, job.ID); ackErr != nil {
			p.log.Error("ack failed", zap.String("job_id", job.ID), zap.Error(ackErr))
			return
		}
		telemetry.JobSkipped.WithLabelValues(string(p.kind)).Inc()
		p.log.Info("job skipped", zap.String("job_id", job.ID), zap.Error(err))

	default:
		if failErr := p.queue.Fail(ctx, job.ID, err); failErr != nil {
			p.log.Error("fail recording failed", zap.String("job_id", job.ID), zap.Error(failErr))
			return
		}
		if job.Attempts+1 >= job.MaxAttempts {
			telemetry.JobExhausted.WithLabelValues(string(p.kind)).Inc()
		} else {
			telemetry.JobRetry.WithLabelValues(string(p.kind)).Inc()
		}
		p.log.Warn("job attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempts+1),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Error(err))
	}
}
