package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/storage"
)

// Decision 配额检查结果
type Decision struct {
	Allowed    bool
	Remaining  int64         // 不限制时为 -1
	RetryAfter time.Duration // 仅在拒绝时大于 0
}

// Guard 按等级策略执行固定窗口配额
type Guard struct {
	repo     storage.QuotaRepository
	policies domain.TierPolicies
	metrics  *monitoring.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// Option 配置 Guard
type Option func(*Guard)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithMetrics 启用指标上报
func WithMetrics(m *monitoring.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard 创建配额守卫
func NewGuard(repo storage.QuotaRepository, policies domain.TierPolicies, log *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		repo:     repo,
		policies: policies,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndIncrement 原子地检查并占用一次配额
func (g *Guard) CheckAndIncrement(ctx context.Context, subject string, action domain.QuotaAction, tier domain.Tier) (Decision, error) {
	policy := g.policies.For(tier)
	limit := int64(policy.Limit(action))
	if limit == 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := g.now()
	res, err := g.repo.IncrementQuota(ctx, key(subject, tier), action, limit, policy.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("increment quota: %w", err)
	}

	if !res.Allowed {
		retryAfter := res.WindowStart.Add(policy.Window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		g.metrics.RecordQuotaDenied(string(action), string(tier))
		g.log.Info("quota exceeded",
			zap.String("subject", subject),
			zap.String("action", string(action)),
			zap.String("tier", string(tier)),
			zap.Duration("retry_after", retryAfter),
		)
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	return Decision{Allowed: true, Remaining: limit - res.Count}, nil
}

// Refund 退还一次已占用的配额（操作最终失败时调用）
func (g *Guard) Refund(ctx context.Context, subject string, action domain.QuotaAction, tier domain.Tier) {
	if g.policies.For(tier).Limit(action) == 0 {
		return
	}
	if err := g.repo.DecrementQuota(ctx, key(subject, tier), action); err != nil {
		g.log.Warn("failed to refund quota",
			zap.String("subject", subject),
			zap.String("action", string(action)),
			zap.Error(err),
		)
	}
}

// Attach 订阅邮箱创建事件，按等级统计创建数量
func (g *Guard) Attach(bus *events.Bus) {
	bus.Subscribe(domain.EventMailboxCreated, func(ev domain.Event) {
		g.metrics.RecordMailboxCreated(string(ev.Tier))
	})
}

// key 计数主体带上等级，升级后使用新等级的计数
func key(subject string, tier domain.Tier) string {
	return string(tier) + ":" + subject
}
