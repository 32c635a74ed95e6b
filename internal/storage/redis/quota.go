package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

// incrementScript 在单个脚本内完成窗口重置、上限判断与递增
//
// KEYS[1] 计数哈希; ARGV: limit, window(ms), now(ms)
// 返回 {allowed, count, window_start_ms}
var incrementScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local start = redis.call('HGET', KEYS[1], 'start')
if (not start) or (now >= tonumber(start) + window) then
  redis.call('HSET', KEYS[1], 'start', now, 'count', 0)
  redis.call('PEXPIRE', KEYS[1], window)
  start = now
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if limit > 0 and count >= limit then
  return {0, count, tonumber(start)}
end
count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {1, count, tonumber(start)}
`)

var decrementScript = goredis.NewScript(`
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if count and count > 0 then
  return redis.call('HINCRBY', KEYS[1], 'count', -1)
end
return 0
`)

// QuotaStore 基于 Redis 的配额计数，多节点共享
type QuotaStore struct {
	rdb *goredis.Client
}

var _ storage.QuotaRepository = (*QuotaStore)(nil)

// NewQuotaStore 创建 Redis 配额计数
func NewQuotaStore(c *Client) *QuotaStore {
	return &QuotaStore{rdb: c.rdb}
}

func quotaKey(subject string, action domain.QuotaAction) string {
	return fmt.Sprintf("quota:%s:%s", action, subject)
}

// IncrementQuota 原子递增
func (q *QuotaStore) IncrementQuota(ctx context.Context, subject string, action domain.QuotaAction, limit int64, window time.Duration, now time.Time) (storage.QuotaResult, error) {
	res, err := incrementScript.Run(ctx, q.rdb,
		[]string{quotaKey(subject, action)},
		limit, window.Milliseconds(), now.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return storage.QuotaResult{}, fmt.Errorf("redis quota increment: %w", err)
	}
	if len(res) != 3 {
		return storage.QuotaResult{}, fmt.Errorf("redis quota increment: unexpected reply %v", res)
	}

	return storage.QuotaResult{
		Allowed:     res[0] == 1,
		Count:       res[1],
		WindowStart: time.UnixMilli(res[2]),
	}, nil
}

// DecrementQuota 退还一次计数
func (q *QuotaStore) DecrementQuota(ctx context.Context, subject string, action domain.QuotaAction) error {
	if err := decrementScript.Run(ctx, q.rdb, []string{quotaKey(subject, action)}).Err(); err != nil && err != goredis.Nil {
		return fmt.Errorf("redis quota decrement: %w", err)
	}
	return nil
}
