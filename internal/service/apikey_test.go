package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/auth"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage/memory"
)

// keyStore 统计摘要查询与使用时间写入
type keyStore struct {
	*memory.Store
	mock.Mock
}

func (s *keyStore) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	if err := s.Called(hash).Error(0); err != nil {
		return nil, err
	}
	return s.Store.GetAPIKeyByHash(ctx, hash)
}

func (s *keyStore) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	if err := s.Called(id).Error(0); err != nil {
		return err
	}
	return s.Store.UpdateAPIKeyLastUsed(ctx, id, at)
}

func newKeyStore() *keyStore {
	s := &keyStore{Store: memory.NewStore()}
	s.On("GetAPIKeyByHash", mock.Anything).Return(nil)
	s.On("UpdateAPIKeyLastUsed", mock.Anything).Return(nil)
	return s
}

func TestAPIKeyService(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}

	t.Run("只保存摘要，明文可查到", func(t *testing.T) {
		store := newKeyStore()
		svc := NewAPIKeyService(store, nil, zap.NewNop(), WithClock(clock.Now))

		key, plain, err := svc.Create(ctx, CreateAPIKeyInput{Name: " ci "})
		require.NoError(t, err)
		assert.Equal(t, "ci", key.Name)
		assert.Equal(t, auth.DigestAPIKey(plain), key.KeyHash)
		assert.NotContains(t, key.KeyHash, plain)
		assert.True(t, len(key.KeyPrefix) < len(plain))
		assert.Nil(t, key.ExpiresAt)

		got, err := svc.Lookup(ctx, plain)
		require.NoError(t, err)
		assert.Equal(t, key.ID, got.ID)

		list, err := svc.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.NotNil(t, list[0].LastUsedAt)
	})

	t.Run("参数校验", func(t *testing.T) {
		svc := NewAPIKeyService(newKeyStore(), nil, zap.NewNop())
		_, _, err := svc.Create(ctx, CreateAPIKeyInput{Name: "  "})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		negative := -time.Hour
		_, _, err = svc.Create(ctx, CreateAPIKeyInput{Name: "x", ExpiresIn: &negative})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("过期后失效", func(t *testing.T) {
		clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
		svc := NewAPIKeyService(newKeyStore(), nil, zap.NewNop(), WithClock(clock.Now))
		ttl := time.Hour
		key, plain, err := svc.Create(ctx, CreateAPIKeyInput{Name: "short", ExpiresIn: &ttl})
		require.NoError(t, err)
		require.NotNil(t, key.ExpiresAt)
		assert.Equal(t, clock.Now().Add(time.Hour), *key.ExpiresAt)

		clock.Advance(time.Hour - time.Millisecond)
		_, err = svc.Lookup(ctx, plain)
		assert.NoError(t, err)
		clock.Advance(time.Millisecond)
		_, err = svc.Lookup(ctx, plain)
		assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
	})

	t.Run("吊销后立即失效", func(t *testing.T) {
		svc := NewAPIKeyService(newKeyStore(), nil, zap.NewNop())
		key, plain, err := svc.Create(ctx, CreateAPIKeyInput{Name: "ops"})
		require.NoError(t, err)
		_, err = svc.Lookup(ctx, plain)
		require.NoError(t, err)

		revoked, err := svc.Revoke(ctx, key.ID)
		require.NoError(t, err)
		assert.False(t, revoked.IsActive)
		_, err = svc.Lookup(ctx, plain)
		assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)

		_, err = svc.Revoke(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("重复查询走缓存，使用时间按分钟节流", func(t *testing.T) {
		store := newKeyStore()
		svc := NewAPIKeyService(store, nil, zap.NewNop())
		_, plain, err := svc.Create(ctx, CreateAPIKeyInput{Name: "busy"})
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			_, err := svc.Lookup(ctx, plain)
			require.NoError(t, err)
		}
		store.AssertNumberOfCalls(t, "GetAPIKeyByHash", 1)
		store.AssertNumberOfCalls(t, "UpdateAPIKeyLastUsed", 1)

		// 未知 Key 也只查一次库
		for i := 0; i < 5; i++ {
			_, err := svc.Lookup(ctx, "tm_unknown")
			assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
		}
		store.AssertNumberOfCalls(t, "GetAPIKeyByHash", 2)
	})

	t.Run("存储故障不当作无效 Key", func(t *testing.T) {
		store := &keyStore{Store: memory.NewStore()}
		store.On("GetAPIKeyByHash", mock.Anything).Return(errors.New("connection refused"))
		hash, err := auth.HashAPIKey("bootstrap")
		require.NoError(t, err)
		svc := NewAPIKeyService(store, auth.NewAPIKeyVerifier([]string{hash}), zap.NewNop())

		_, err = svc.Lookup(ctx, "tm_any")
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.NotErrorIs(t, err, auth.ErrInvalidAPIKey)
		assert.ErrorIs(t, svc.VerifyAdmin(ctx, "bootstrap"), domain.ErrStoreUnavailable)
	})

	t.Run("管理接口回退到引导 Key", func(t *testing.T) {
		hash, err := auth.HashAPIKey("bootstrap")
		require.NoError(t, err)
		svc := NewAPIKeyService(newKeyStore(), auth.NewAPIKeyVerifier([]string{hash}), zap.NewNop())
		_, plain, err := svc.Create(ctx, CreateAPIKeyInput{Name: "db"})
		require.NoError(t, err)

		assert.NoError(t, svc.VerifyAdmin(ctx, "bootstrap"))
		assert.NoError(t, svc.VerifyAdmin(ctx, plain))
		assert.ErrorIs(t, svc.VerifyAdmin(ctx, "wrong"), auth.ErrInvalidAPIKey)
		assert.ErrorIs(t, svc.VerifyAdmin(ctx, ""), auth.ErrInvalidAPIKey)

		// 普通查找不接受引导 Key
		_, err = svc.Lookup(ctx, "bootstrap")
		assert.ErrorIs(t, err, auth.ErrInvalidAPIKey)
	})
}
