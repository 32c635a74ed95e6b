package sql

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

func TestNormalizeMySQLDSN(t *testing.T) {
	t.Run("补全 parseTime 和字符集", func(t *testing.T) {
		dsn, err := NormalizeMySQLDSN("root:pw@tcp(localhost:3306)/tempmail")
		require.NoError(t, err)
		assert.Contains(t, dsn, "parseTime=true")
		assert.Contains(t, dsn, "charset=utf8mb4")
	})

	t.Run("保留已有字符集", func(t *testing.T) {
		dsn, err := NormalizeMySQLDSN("root:pw@tcp(localhost:3306)/tempmail?charset=utf8")
		require.NoError(t, err)
		assert.Contains(t, dsn, "charset=utf8")
		assert.NotContains(t, dsn, "utf8mb4")
		assert.Equal(t, 1, strings.Count(dsn, "charset="))
		assert.Contains(t, dsn, "parseTime=true")
	})

	t.Run("字符集与其他参数并存", func(t *testing.T) {
		dsn, err := NormalizeMySQLDSN("root:pw@tcp(localhost:3306)/tempmail?timeout=5s&charset=latin1")
		require.NoError(t, err)
		assert.Contains(t, dsn, "charset=latin1")
		assert.Equal(t, 1, strings.Count(dsn, "charset="))
	})

	t.Run("非法 DSN", func(t *testing.T) {
		_, err := NormalizeMySQLDSN("not a dsn")
		assert.Error(t, err)
	})
}

// newTestStore 需要 TEMPMAIL_TEST_DB_TYPE 与 TEMPMAIL_TEST_DB_DSN
func newTestStore(t *testing.T) *Store {
	dbType := os.Getenv("TEMPMAIL_TEST_DB_TYPE")
	dsn := os.Getenv("TEMPMAIL_TEST_DB_DSN")
	if dbType == "" || dsn == "" {
		t.Skip("TEMPMAIL_TEST_DB_TYPE / TEMPMAIL_TEST_DB_DSN not set")
	}
	s, err := NewStore(config.DatabaseConfig{
		Type:            dbType,
		DSN:             dsn,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_MailboxAndMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id := uuid.NewString()
	mb := &domain.Mailbox{
		ID:        id,
		Address:   id[:8] + "@sql.test",
		LocalPart: id[:8],
		Domain:    "sql.test",
		Token:     uuid.NewString(),
		Owner:     domain.Owner{Kind: domain.OwnerAnonymous, ID: "s1"},
		Tier:      domain.TierAnonymous,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, s.CreateMailbox(ctx, mb))
	t.Cleanup(func() { _ = s.DeleteMailbox(ctx, id) })

	t.Run("重复地址", func(t *testing.T) {
		dup := *mb
		dup.ID = uuid.NewString()
		dup.Token = uuid.NewString()
		assert.ErrorIs(t, s.CreateMailbox(ctx, &dup), storage.ErrMailboxExists)
	})

	t.Run("追加与增量拉取", func(t *testing.T) {
		first := &domain.Message{ID: uuid.NewString(), MailboxID: id, MailboxAddress: mb.Address, Subject: "a", ReceivedAt: now}
		second := &domain.Message{ID: uuid.NewString(), MailboxID: id, MailboxAddress: mb.Address, Subject: "b", ReceivedAt: now}
		require.NoError(t, s.AppendMessage(ctx, first, now))
		require.NoError(t, s.AppendMessage(ctx, second, now))
		assert.Greater(t, second.Seq, first.Seq)

		list, err := s.ListMessages(ctx, id, first.Seq, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		require.NoError(t, s.MarkMessageRead(ctx, id, first.ID))
		require.NoError(t, s.MarkMessageRead(ctx, id, first.ID))
		got, err := s.GetMessage(ctx, id, first.ID)
		require.NoError(t, err)
		assert.True(t, got.IsRead)
	})

	t.Run("过期后拒绝追加", func(t *testing.T) {
		msg := &domain.Message{ID: uuid.NewString(), MailboxID: id, MailboxAddress: mb.Address, ReceivedAt: now}
		err := s.AppendMessage(ctx, msg, mb.ExpiresAt)
		assert.ErrorIs(t, err, storage.ErrMailboxExpired)

		expired, err := s.ListExpiredMailboxes(ctx, mb.ExpiresAt, 100)
		require.NoError(t, err)
		found := false
		for _, e := range expired {
			if e.ID == id {
				found = true
			}
		}
		assert.True(t, found)
	})
}
