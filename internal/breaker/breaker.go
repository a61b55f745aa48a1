// Package breaker guards calls to unreliable external dependencies with a
// per-key circuit breaker. Keys are arbitrary (e.g. "ai-provider"), so the
// same registry serves any dependency.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrOpen is returned by Allow when the circuit rejects the call without
// attempting the dependency.
var ErrOpen = errors.New("circuit open")

// Settings for every breaker in a registry.
type Settings struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting a
	// half-open probe.
	Cooldown time.Duration
}

// Registry holds one circuit breaker per dependency key, built lazily.
type Registry struct {
	settings Settings
	log      *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[any]
}

// NewRegistry builds a registry with shared settings.
func NewRegistry(settings Settings, log *zap.Logger) *Registry {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Registry{
		settings: settings,
		log:      log,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[any]),
	}
}

// Allow asks whether a call to the keyed dependency may proceed. When it
// may, the returned done func must be called exactly once with the call's
// outcome. When the circuit is open (or the single half-open probe is
// already taken), Allow returns ErrOpen and the dependency must not be
// touched.
func (r *Registry) Allow(key string) (done func(success bool), err error) {
	done, err = r.breaker(key).Allow()
	if err != nil {
		return nil, ErrOpen
	}
	return done, nil
}

// State reports the keyed circuit's current state for observability.
func (r *Registry) State(key string) gobreaker.State {
	return r.breaker(key).State()
}

func (r *Registry) breaker(key string) *gobreaker.TwoStepCircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[key]; ok {
		return b
	}

	threshold := uint32(r.settings.FailureThreshold)
	b := gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one half-open probe
		Timeout:     r.settings.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				zap.String("dependency", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	r.breakers[key] = b
	return b
}
