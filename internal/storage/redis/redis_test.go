package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
)

// newTestClient 需要 TEMPMAIL_TEST_REDIS 指向可用的 Redis
func newTestClient(t *testing.T) *Client {
	addr := os.Getenv("TEMPMAIL_TEST_REDIS")
	if addr == "" {
		t.Skip("TEMPMAIL_TEST_REDIS not set")
	}
	c, err := New(config.RedisConfig{Address: addr, DB: 15}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.rdb.FlushDB(context.Background()).Err()
		_ = c.Close()
	})
	return c
}

func TestQuotaStore(t *testing.T) {
	c := newTestClient(t)
	q := NewQuotaStore(c)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		res, err := q.IncrementQuota(ctx, "1.1.1.1", domain.ActionMailboxCreate, 3, time.Hour, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}

	res, err := q.IncrementQuota(ctx, "1.1.1.1", domain.ActionMailboxCreate, 3, time.Hour, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, now.UnixMilli(), res.WindowStart.UnixMilli())

	require.NoError(t, q.DecrementQuota(ctx, "1.1.1.1", domain.ActionMailboxCreate))
	res, err = q.IncrementQuota(ctx, "1.1.1.1", domain.ActionMailboxCreate, 3, time.Hour, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = q.IncrementQuota(ctx, "1.1.1.1", domain.ActionMailboxCreate, 3, time.Hour, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
}

func TestDecodeMailboxEvent(t *testing.T) {
	t.Run("新邮件频道", func(t *testing.T) {
		ev, err := DecodeMailboxEvent(&goredis.Message{
			Channel: "new_mail:a@temp.mail",
			Payload: `{"origin":"n1","messageId":"m1"}`,
		})
		require.NoError(t, err)
		assert.Equal(t, KindNewMail, ev.Kind)
		assert.Equal(t, "a@temp.mail", ev.Address)
		assert.Equal(t, "m1", ev.MessageID)
	})

	t.Run("下线频道", func(t *testing.T) {
		ev, err := DecodeMailboxEvent(&goredis.Message{
			Channel: "gone:a@temp.mail",
			Payload: `{"origin":"n2","address":"a@temp.mail"}`,
		})
		require.NoError(t, err)
		assert.Equal(t, KindGone, ev.Kind)
		assert.Equal(t, "n2", ev.Origin)
	})

	t.Run("未知频道", func(t *testing.T) {
		_, err := DecodeMailboxEvent(&goredis.Message{Channel: "other", Payload: "{}"})
		assert.Error(t, err)
		_, err = DecodeMailboxEvent(&goredis.Message{Channel: "stats:x", Payload: "{}"})
		assert.Error(t, err)
	})
}
