package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// QuotaResult describes one daily-quota decision.
type QuotaResult struct {
	Allowed bool
	Used    int64
	Limit   int
}

// DailyQuota is a calendar-day counter per API key, reset at UTC midnight
// by key expiry rather than a sliding window. Bursts within the day are
// allowed up to the ceiling.
type DailyQuota struct {
	client *redis.Client
	log    *zap.Logger

	now func() time.Time
}

// NewDailyQuota builds a quota counter over the shared Redis client.
func NewDailyQuota(client *redis.Client, log *zap.Logger) *DailyQuota {
	return &DailyQuota{client: client, log: log, now: time.Now}
}

func quotaKey(keyID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", keyID, day.UTC().Format("2006-01-02"))
}

// Allow increments today's counter for keyID and compares it against limit.
// Fails open on backend error.
func (q *DailyQuota) Allow(ctx context.Context, keyID string, limit int) (QuotaResult, error) {
	now := q.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	res, err := quotaScript.Run(ctx, q.client,
		[]string{quotaKey(keyID, now)},
		limit,
		midnight.UnixMilli(),
	).Result()
	if err != nil {
		q.log.Warn("daily quota backend unavailable, failing open",
			zap.String("api_key_id", keyID), zap.Error(err))
		return QuotaResult{Allowed: true, Limit: limit}, nil
	}

	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return QuotaResult{}, fmt.Errorf("unexpected reply from quota script: %T", res)
	}
	return QuotaResult{
		Allowed: arr[0].(int64) == 1,
		Used:    arr[1].(int64),
		Limit:   limit,
	}, nil
}

// quotaScript increments today's counter and arms its expiry at the next
// UTC midnight on first use. Returns {allowed, used}.
var quotaScript = redis.NewScript(`
local used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
if used > tonumber(ARGV[1]) then
  return {0, used}
end
return {1, used}
`)
