package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"kind"})
	JobSuccess       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"kind"})
	JobRetry         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and were rescheduled"}, []string{"kind"})
	JobExhausted     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs terminally failed after exhausting attempts"}, []string{"kind"})
	JobSkipped       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_skipped_total", Help: "Jobs completed as no-ops on permanent errors"}, []string{"kind"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiting"}, []string{"class"})
	QuotaRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "daily_quota_rejects_total", Help: "Requests rejected by the daily quota"})
	BreakerRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "breaker_rejects_total", Help: "Calls rejected by an open circuit"}, []string{"dependency"})
	WebhookReceived  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhooks_received_total", Help: "Inbound webhook events acknowledged"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobSuccess,
			JobRetry,
			JobExhausted,
			JobSkipped,
			InFlightGauge,
			RateLimitRejects,
			QuotaRejects,
			BreakerRejects,
			WebhookReceived,
		)
	})
	return promhttp.Handler()
}
