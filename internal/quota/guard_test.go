package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/storage/memory"
)

func TestGuard_CheckAndIncrement(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("匿名用户每小时最多5个邮箱", func(t *testing.T) {
		g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(), WithClock(clock))

		for i := 0; i < 5; i++ {
			d, err := g.CheckAndIncrement(ctx, "10.0.0.1", domain.ActionMailboxCreate, domain.TierAnonymous)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(4-i), d.Remaining)
		}

		d, err := g.CheckAndIncrement(ctx, "10.0.0.1", domain.ActionMailboxCreate, domain.TierAnonymous)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Greater(t, d.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, d.RetryAfter, time.Hour)

		other, err := g.CheckAndIncrement(ctx, "10.0.0.2", domain.ActionMailboxCreate, domain.TierAnonymous)
		require.NoError(t, err)
		assert.True(t, other.Allowed, "不同 IP 独立计数")
	})

	t.Run("窗口过后恢复", func(t *testing.T) {
		current := now
		g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(),
			WithClock(func() time.Time { return current }))

		for i := 0; i < 5; i++ {
			_, err := g.CheckAndIncrement(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)
			require.NoError(t, err)
		}
		current = now.Add(30 * time.Minute)
		d, err := g.CheckAndIncrement(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 30*time.Minute, d.RetryAfter)

		current = now.Add(time.Hour)
		d, err = g.CheckAndIncrement(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("高级用户不限邮箱数量", func(t *testing.T) {
		g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(), WithClock(clock))
		for i := 0; i < 100; i++ {
			d, err := g.CheckAndIncrement(ctx, "u1", domain.ActionMailboxCreate, domain.TierPremium)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(-1), d.Remaining)
		}
	})

	t.Run("并发递增不超过上限", func(t *testing.T) {
		m := monitoring.NewMetrics()
		g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(), WithClock(clock), WithMetrics(m))

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := g.CheckAndIncrement(ctx, "user-1", domain.ActionMailboxCreate, domain.TierRegistered)
				if err == nil && d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(20), allowed.Load())
		assert.Equal(t, 44.0, testutil.ToFloat64(m.QuotaDenied.WithLabelValues("mailbox_create", "registered")))
	})

	t.Run("退还配额", func(t *testing.T) {
		g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(), WithClock(clock))
		for i := 0; i < 5; i++ {
			_, err := g.CheckAndIncrement(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)
			require.NoError(t, err)
		}
		g.Refund(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)

		d, err := g.CheckAndIncrement(ctx, "ip", domain.ActionMailboxCreate, domain.TierAnonymous)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})
}

func TestGuard_Attach(t *testing.T) {
	m := monitoring.NewMetrics()
	bus := events.NewBus(zap.NewNop())
	g := NewGuard(memory.NewStore(), domain.DefaultTierPolicies(), zap.NewNop(), WithMetrics(m))
	g.Attach(bus)

	bus.Publish(domain.Event{Type: domain.EventMailboxCreated, Tier: domain.TierPremium})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MailboxesCreated.WithLabelValues("premium")))
}
