package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/cache"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

// domainCacheTTL 域名查询缓存时间，写操作会主动失效
const domainCacheTTL = 30 * time.Second

// DomainService 管理可接收邮件的域名
type DomainService struct {
	repo      storage.DomainRepository
	cache     *cache.LocalCache[*domain.MailDomain]
	validator *domain.EmailValidator
	mxHost    string
	policies  domain.TierPolicies
	log       *zap.Logger
	now       func() time.Time
}

// DomainOption 配置 DomainService
type DomainOption func(*DomainService)

// WithTierPolicies 使用配置中的等级策略，默认使用 DefaultTierPolicies
func WithTierPolicies(p domain.TierPolicies) DomainOption {
	return func(s *DomainService) { s.policies = p }
}

// NewDomainService 创建域名服务，mxHost 用于提示自定义域名的 MX 记录
func NewDomainService(repo storage.DomainRepository, lookupCache *cache.LocalCache[*domain.MailDomain], mxHost string, log *zap.Logger, opts ...DomainOption) *DomainService {
	if lookupCache == nil {
		lookupCache = cache.NewLocalCache[*domain.MailDomain](domainCacheTTL)
	}
	s := &DomainService{
		repo:      repo,
		cache:     lookupCache,
		validator: domain.NewEmailValidator(),
		mxHost:    mxHost,
		policies:  domain.DefaultTierPolicies(),
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DomainService) normalize(name string) (string, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if err := s.validator.ValidateDomain(name); err != nil {
		return "", domain.WrapError(domain.KindInvalidInput, "invalid domain", err)
	}
	return name, nil
}

// Get 获取域名，优先读缓存
func (s *DomainService) Get(ctx context.Context, name string) (*domain.MailDomain, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if d, ok := s.cache.Get(name); ok {
		return d.Clone(), nil
	}

	d, err := s.repo.GetDomain(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "domain not found")
		}
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get domain", err)
	}
	s.cache.Set(name, d.Clone(), domainCacheTTL)
	return d, nil
}

// EnsureGlobal 导入全局域名，已存在时重新启用
func (s *DomainService) EnsureGlobal(ctx context.Context, name string) (*domain.MailDomain, error) {
	name, err := s.normalize(name)
	if err != nil {
		return nil, err
	}

	d, err := s.repo.GetDomain(ctx, name)
	switch {
	case err == nil:
		if d.IsGlobal && d.IsActive {
			return d, nil
		}
		d.IsGlobal = true
		d.IsActive = true
		d.OwnerID = ""
	case errors.Is(err, storage.ErrDomainNotFound):
		now := s.now().UTC()
		d = &domain.MailDomain{
			Name:               name,
			IsActive:           true,
			IsGlobal:           true,
			VerificationStatus: domain.VerificationVerified,
			CreatedAt:          now,
			VerifiedAt:         &now,
		}
	default:
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get domain", err)
	}

	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("global domain ensured", zap.String("domain", name))
	return d, nil
}

// AddCustom 为高级用户登记自定义域名，等待 DNS 校验
func (s *DomainService) AddCustom(ctx context.Context, requester domain.Requester, name string) (*domain.MailDomain, error) {
	if requester.Owner.Kind != domain.OwnerUser || !requester.Tier.AtLeast(domain.TierPremium) {
		return nil, domain.NewError(domain.KindForbidden, "custom domains require premium tier")
	}
	if !s.policies.For(requester.Tier).CustomDomain {
		return nil, domain.NewError(domain.KindForbidden, "custom domains are disabled for this tier")
	}
	name, err := s.normalize(name)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.GetDomain(ctx, name); err == nil {
		return nil, domain.NewError(domain.KindAddressTaken, "domain already registered")
	} else if !errors.Is(err, storage.ErrDomainNotFound) {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get domain", err)
	}

	token, err := verificationToken()
	if err != nil {
		return nil, err
	}
	d := &domain.MailDomain{
		Name:               name,
		IsActive:           true,
		VerificationStatus: domain.VerificationPending,
		MXRecord:           s.mxHost,
		VerificationToken:  token,
		OwnerID:            requester.Owner.ID,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("custom domain registered",
		zap.String("domain", name),
		zap.String("owner", requester.Owner.ID),
	)
	return d, nil
}

// ApplyVerification 记录外部 DNS 校验结果
func (s *DomainService) ApplyVerification(ctx context.Context, name string, status domain.VerificationStatus) (*domain.MailDomain, error) {
	if !status.Valid() {
		return nil, domain.NewError(domain.KindInvalidInput, "invalid verification status")
	}
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	d.VerificationStatus = status
	if status == domain.VerificationVerified {
		now := s.now().UTC()
		d.VerifiedAt = &now
	} else {
		d.VerifiedAt = nil
	}
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info("domain verification applied",
		zap.String("domain", d.Name),
		zap.String("status", string(status)),
	)
	return d, nil
}

// SetActive 启用或停用域名，停用后不能再创建邮箱
func (s *DomainService) SetActive(ctx context.Context, name string, active bool) (*domain.MailDomain, error) {
	d, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	d.IsActive = active
	if err := s.save(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Delete 删除域名，已存在的邮箱和邮件不受影响
func (s *DomainService) Delete(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.cache.Delete(name)
	if err := s.repo.DeleteDomain(ctx, name); err != nil {
		if errors.Is(err, storage.ErrDomainNotFound) {
			return domain.NewError(domain.KindNotFound, "domain not found")
		}
		return domain.WrapError(domain.KindStoreUnavailable, "delete domain", err)
	}
	s.log.Info("domain deleted", zap.String("domain", name))
	return nil
}

// ListPublic 返回所有可公开创建邮箱的全局域名
func (s *DomainService) ListPublic(ctx context.Context) ([]string, error) {
	all, err := s.repo.ListDomains(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list domains", err)
	}
	names := make([]string, 0, len(all))
	for _, d := range all {
		if d.IsGlobal && d.IsActive {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// List 返回全部域名，ownerID 非空时只返回该用户的
func (s *DomainService) List(ctx context.Context, ownerID string) ([]*domain.MailDomain, error) {
	all, err := s.repo.ListDomains(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list domains", err)
	}
	if ownerID == "" {
		return all, nil
	}
	owned := all[:0]
	for _, d := range all {
		if d.OwnerID == ownerID {
			owned = append(owned, d)
		}
	}
	return owned, nil
}

func (s *DomainService) save(ctx context.Context, d *domain.MailDomain) error {
	s.cache.Delete(d.Name)
	if err := s.repo.SaveDomain(ctx, d); err != nil {
		return domain.WrapError(domain.KindStoreUnavailable, "save domain", err)
	}
	return nil
}

func verificationToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return "tempmail-verify=" + hex.EncodeToString(b), nil
}
