package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

const quotaSchema = `
CREATE TABLE IF NOT EXISTS quota_counters (
	subject      VARCHAR(255) NOT NULL,
	action       VARCHAR(32)  NOT NULL,
	window_start TIMESTAMPTZ  NOT NULL,
	count        BIGINT       NOT NULL DEFAULT 0,
	PRIMARY KEY (subject, action)
)`

// 窗口过期时重置，否则仅在未达上限时递增；被拒绝时不返回行
const quotaIncrement = `
INSERT INTO quota_counters (subject, action, window_start, count)
VALUES ($1, $2, $3, 1)
ON CONFLICT (subject, action) DO UPDATE SET
	window_start = CASE WHEN quota_counters.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3
		THEN $3 ELSE quota_counters.window_start END,
	count = CASE WHEN quota_counters.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3
		THEN 1 ELSE quota_counters.count + 1 END
WHERE quota_counters.window_start + $4::bigint * INTERVAL '1 millisecond' <= $3
	OR $5::bigint = 0
	OR quota_counters.count < $5::bigint
RETURNING count, window_start`

const quotaCurrent = `SELECT count, window_start FROM quota_counters WHERE subject = $1 AND action = $2`

const quotaDecrement = `UPDATE quota_counters SET count = count - 1 WHERE subject = $1 AND action = $2 AND count > 0`

// QuotaStore 基于 PostgreSQL 的配额计数
type QuotaStore struct {
	client *Client
}

var _ storage.QuotaRepository = (*QuotaStore)(nil)

// NewQuotaStore 创建配额计数并确保表存在
func NewQuotaStore(ctx context.Context, client *Client) (*QuotaStore, error) {
	if _, err := client.pool.Exec(ctx, quotaSchema); err != nil {
		return nil, fmt.Errorf("create quota table: %w", err)
	}
	return &QuotaStore{client: client}, nil
}

// IncrementQuota 单条语句完成窗口重置与条件递增
func (q *QuotaStore) IncrementQuota(ctx context.Context, subject string, action domain.QuotaAction, limit int64, window time.Duration, now time.Time) (storage.QuotaResult, error) {
	var res storage.QuotaResult
	err := q.client.pool.QueryRow(ctx, quotaIncrement,
		subject, string(action), now, window.Milliseconds(), limit,
	).Scan(&res.Count, &res.WindowStart)
	if err == nil {
		res.Allowed = true
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return res, fmt.Errorf("postgres quota increment: %w", err)
	}

	// 已达上限，读取当前窗口用于计算 Retry-After
	if err := q.client.pool.QueryRow(ctx, quotaCurrent, subject, string(action)).
		Scan(&res.Count, &res.WindowStart); err != nil {
		return res, fmt.Errorf("postgres quota read: %w", err)
	}
	return res, nil
}

// DecrementQuota 退还一次计数
func (q *QuotaStore) DecrementQuota(ctx context.Context, subject string, action domain.QuotaAction) error {
	if _, err := q.client.pool.Exec(ctx, quotaDecrement, subject, string(action)); err != nil {
		return fmt.Errorf("postgres quota decrement: %w", err)
	}
	return nil
}

// PruneQuotas 删除窗口已结束的计数行
func (q *QuotaStore) PruneQuotas(ctx context.Context, now time.Time, window time.Duration) (int64, error) {
	tag, err := q.client.pool.Exec(ctx,
		`DELETE FROM quota_counters WHERE window_start + $2::bigint * INTERVAL '1 millisecond' <= $1`,
		now, window.Milliseconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
