// Package ratelimit implements the throttling primitives shared by the HTTP
// boundary and the API-key service: a sliding-window limiter and a daily
// quota counter, both backed by atomic Redis scripts so correctness holds
// across multiple instances.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatpilot/internal/config"
)

// Result describes one limiter decision, with the fields the HTTP layer
// needs for X-RateLimit-* headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// SlidingWindow counts request timestamps inside a moving window per
// (class, identifier). The purge-count-record sequence runs as one Lua
// script, so concurrent requests for the same identifier cannot race.
// On backend failure the limiter fails open: availability over strict
// enforcement.
type SlidingWindow struct {
	client  *redis.Client
	classes map[string]config.LimitClass
	log     *zap.Logger

	now func() time.Time
}

// NewSlidingWindow builds a limiter over the configured classes.
func NewSlidingWindow(client *redis.Client, classes map[string]config.LimitClass, log *zap.Logger) *SlidingWindow {
	return &SlidingWindow{
		client:  client,
		classes: classes,
		log:     log,
		now:     time.Now,
	}
}

func windowKey(class, identifier string) string {
	return fmt.Sprintf("rl:%s:%s", class, identifier)
}

// Allow records one request for identifier under class if the window has
// room. The returned Result is always usable for response headers.
func (s *SlidingWindow) Allow(ctx context.Context, class, identifier string) (Result, error) {
	return s.AllowLimit(ctx, class, identifier, 0)
}

// AllowLimit is Allow with a per-caller ceiling override (API keys carry
// their own per-minute rate). Zero keeps the class default.
func (s *SlidingWindow) AllowLimit(ctx context.Context, class, identifier string, maxOverride int) (Result, error) {
	cls, ok := s.classes[class]
	if !ok {
		return Result{}, fmt.Errorf("unknown limiter class %q", class)
	}
	if maxOverride > 0 {
		cls.MaxRequests = maxOverride
	}

	now := s.now()
	res, err := windowScript.Run(ctx, s.client,
		[]string{windowKey(class, identifier)},
		now.UnixMilli(),
		cls.Window.Milliseconds(),
		cls.MaxRequests,
		uuid.New().String(),
	).Result()
	if err != nil {
		s.log.Warn("rate limiter backend unavailable, failing open",
			zap.String("class", class), zap.Error(err))
		return Result{
			Allowed:   true,
			Limit:     cls.MaxRequests,
			Remaining: 1,
			ResetAt:   now.Add(cls.Window),
		}, nil
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Result{}, fmt.Errorf("unexpected reply from window script: %T", res)
	}
	allowed := arr[0].(int64) == 1
	count := int(arr[1].(int64))
	resetMs := arr[2].(int64)

	out := Result{
		Allowed: allowed,
		Limit:   cls.MaxRequests,
		ResetAt: time.UnixMilli(resetMs),
	}
	if allowed {
		out.Remaining = cls.MaxRequests - count
		if out.Remaining < 0 {
			out.Remaining = 0
		}
	} else {
		out.RetryAfter = cls.Window
	}
	return out, nil
}

// windowScript atomically drops expired entries, counts the rest, and
// records the request if under the ceiling. Returns {allowed, count,
// reset_ms} where reset_ms is when the oldest recorded entry leaves the
// window.
var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= max then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local reset = now + window
  if oldest[2] then reset = tonumber(oldest[2]) + window end
  return {0, count, reset}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, count + 1, now + window}
`)
