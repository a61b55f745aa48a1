package models

import "time"

// Backoff types.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff computes the delay before a retry attempt.
type Backoff struct {
	Type string        `json:"type"`
	Base time.Duration `json:"base"`
}

// Delay returns the wait before attempt number attempt (1-based, i.e. the
// attempt about to run). Exponential doubles per completed attempt, so the
// sequence is monotonically non-decreasing.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch b.Type {
	case BackoffExponential:
		return b.Base * (1 << uint(attempt-1))
	default:
		return b.Base
	}
}

// Policy fixes the retry and concurrency behavior for one job kind.
type Policy struct {
	MaxAttempts int
	Backoff     Backoff
	Concurrency int
	// PerSecond throttles the pool itself, 0 means unthrottled.
	PerSecond float64
	// Timeout bounds one handler attempt; expiry counts as a failure.
	Timeout time.Duration
}

// Policies is the per-kind failure-semantics table.
var Policies = map[Kind]Policy{
	KindAIProcessing: {
		MaxAttempts: 3,
		Backoff:     Backoff{Type: BackoffExponential, Base: time.Second},
		Concurrency: 5,
		Timeout:     60 * time.Second,
	},
	KindRAGIndexing: {
		MaxAttempts: 2,
		Backoff:     Backoff{Type: BackoffFixed, Base: 5 * time.Second},
		Concurrency: 2,
		Timeout:     5 * time.Minute,
	},
	KindReminder: {
		MaxAttempts: 3,
		Backoff:     Backoff{Type: BackoffExponential, Base: 2 * time.Second},
		Concurrency: 10,
		Timeout:     30 * time.Second,
	},
	KindOutboundSend: {
		MaxAttempts: 3,
		Backoff:     Backoff{Type: BackoffExponential, Base: time.Second},
		Concurrency: 10,
		PerSecond:   50,
		Timeout:     30 * time.Second,
	},
}

// PolicyFor returns the policy for kind, falling back to a conservative
// default for kinds missing from the table.
func PolicyFor(kind Kind) Policy {
	if p, ok := Policies[kind]; ok {
		return p
	}
	return Policy{
		MaxAttempts: 3,
		Backoff:     Backoff{Type: BackoffExponential, Base: time.Second},
		Concurrency: 1,
		Timeout:     60 * time.Second,
	}
}
