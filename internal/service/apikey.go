package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/auth"
	"tempmail/mailcore/internal/cache"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

const (
	// 其他节点吊销后，本节点最多在该时长内继续接受旧 Key
	apiKeyCacheTTL = time.Minute
	apiKeyMissTTL  = 30 * time.Second
	// last_used_at 最多每分钟写一次
	apiKeyTouchPeriod = time.Minute
	apiKeyNameMax     = 100
)

// APIKeyService 管理数据库中的管理员 Key。
//
// 请求路径上只做一次 SHA-256 与一次唯一索引查询；配置中的 bcrypt
// 引导 Key 仅在管理接口上作为后备校验。
type APIKeyService struct {
	store     storage.APIKeyRepository
	bootstrap *auth.APIKeyVerifier
	known     *cache.LocalCache[*domain.APIKey] // 摘要 -> Key，nil 表示不存在
	touched   *cache.LocalCache[struct{}]
	log       *zap.Logger
	opts      options
}

// NewAPIKeyService 创建服务，bootstrap 可为 nil
func NewAPIKeyService(store storage.APIKeyRepository, bootstrap *auth.APIKeyVerifier, log *zap.Logger, opts ...Option) *APIKeyService {
	return &APIKeyService{
		store:     store,
		bootstrap: bootstrap,
		known:     cache.NewLocalCache[*domain.APIKey](apiKeyCacheTTL),
		touched:   cache.NewLocalCache[struct{}](apiKeyTouchPeriod),
		log:       log,
		opts:      buildOptions(opts),
	}
}

// CreateAPIKeyInput 创建 Key 的参数
type CreateAPIKeyInput struct {
	Name      string
	ExpiresIn *time.Duration // 为空表示永不过期
}

// Create 生成新 Key，明文只在返回值中出现一次
func (s *APIKeyService) Create(ctx context.Context, in CreateAPIKeyInput) (*domain.APIKey, string, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > apiKeyNameMax {
		return nil, "", domain.NewError(domain.KindInvalidInput, "name is required and at most 100 characters")
	}
	if in.ExpiresIn != nil && *in.ExpiresIn <= 0 {
		return nil, "", domain.NewError(domain.KindInvalidInput, "expiresIn must be positive")
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	now := s.opts.now().UTC()
	key := &domain.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyPrefix: plain[:len(auth.APIKeyPrefix)+6],
		KeyHash:   auth.DigestAPIKey(plain),
		IsActive:  true,
		CreatedAt: now,
	}
	if in.ExpiresIn != nil {
		exp := now.Add(*in.ExpiresIn)
		key.ExpiresAt = &exp
	}

	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, "", domain.WrapError(domain.KindStoreUnavailable, "save api key", err)
	}
	s.known.Delete(key.KeyHash)

	s.log.Info("api key created",
		zap.String("id", key.ID),
		zap.String("name", key.Name),
		zap.String("prefix", key.KeyPrefix),
	)
	return key, plain, nil
}

// List 返回全部 Key，不含明文
func (s *APIKeyService) List(ctx context.Context) ([]*domain.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list api keys", err)
	}
	return keys, nil
}

// Revoke 停用 Key，本节点立即生效
func (s *APIKeyService) Revoke(ctx context.Context, id string) (*domain.APIKey, error) {
	key, err := s.store.GetAPIKey(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "api key not found")
		}
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get api key", err)
	}

	key.IsActive = false
	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "save api key", err)
	}
	s.known.Delete(key.KeyHash)

	s.log.Info("api key revoked", zap.String("id", key.ID), zap.String("name", key.Name))
	return key, nil
}

// Lookup 按摘要查找可用的数据库 Key，结果（包括不存在）会短暂缓存
func (s *APIKeyService) Lookup(ctx context.Context, plain string) (*domain.APIKey, error) {
	if plain == "" {
		return nil, auth.ErrInvalidAPIKey
	}
	digest := auth.DigestAPIKey(plain)

	key, ok := s.known.Get(digest)
	if !ok {
		stored, err := s.store.GetAPIKeyByHash(ctx, digest)
		switch {
		case errors.Is(err, storage.ErrAPIKeyNotFound):
			s.known.Set(digest, nil, apiKeyMissTTL)
			return nil, auth.ErrInvalidAPIKey
		case err != nil:
			return nil, domain.WrapError(domain.KindStoreUnavailable, "get api key", err)
		}
		key = stored
		s.known.Set(digest, key, 0)
	}

	now := s.opts.now()
	if !key.Usable(now) {
		return nil, auth.ErrInvalidAPIKey
	}
	s.touch(ctx, key, now)
	return key, nil
}

// VerifyAdmin 先查数据库 Key，未命中再对照配置中的引导 Key
func (s *APIKeyService) VerifyAdmin(ctx context.Context, plain string) error {
	_, err := s.Lookup(ctx, plain)
	if err == nil || !errors.Is(err, auth.ErrInvalidAPIKey) || s.bootstrap == nil {
		return err
	}
	return s.bootstrap.Verify(plain)
}

// Run 定期清理过期缓存条目，直到 ctx 结束
func (s *APIKeyService) Run(ctx context.Context) {
	go s.touched.Run(ctx, apiKeyTouchPeriod)
	s.known.Run(ctx, apiKeyCacheTTL)
}

func (s *APIKeyService) touch(ctx context.Context, key *domain.APIKey, now time.Time) {
	if _, ok := s.touched.Get(key.ID); ok {
		return
	}
	s.touched.Set(key.ID, struct{}{}, 0)
	if err := s.store.UpdateAPIKeyLastUsed(ctx, key.ID, now.UTC()); err != nil {
		s.log.Warn("failed to record api key usage", zap.String("id", key.ID), zap.Error(err))
	}
}
