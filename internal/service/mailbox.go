package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/pool"
	"tempmail/mailcore/internal/quota"
	"tempmail/mailcore/internal/storage"
)

const (
	localPartAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	tokenLength       = 32
)

// MailboxService 邮箱注册表：创建、解析、释放临时邮箱。
//
// 地址唯一性检查、清理和投递共用同一把按地址分段的锁。
type MailboxService struct {
	store     storage.Store
	domains   *DomainService
	guard     *quota.Guard
	bus       *events.Bus
	locks     *pool.KeyedMutex
	policies  domain.TierPolicies
	cfg       config.MailboxConfig
	validator *domain.EmailValidator
	log       *zap.Logger
	opts      options
}

// NewMailboxService 创建邮箱业务服务。
func NewMailboxService(
	store storage.Store,
	domains *DomainService,
	guard *quota.Guard,
	bus *events.Bus,
	locks *pool.KeyedMutex,
	policies domain.TierPolicies,
	cfg config.MailboxConfig,
	log *zap.Logger,
	opts ...Option,
) *MailboxService {
	if cfg.LocalPartAttempts <= 0 {
		cfg.LocalPartAttempts = 8
	}
	if cfg.LocalPartLength < domain.MinLocalPartLength {
		cfg.LocalPartLength = 10
	}
	return &MailboxService{
		store:     store,
		domains:   domains,
		guard:     guard,
		bus:       bus,
		locks:     locks,
		policies:  policies,
		cfg:       cfg,
		validator: domain.NewEmailValidator(),
		log:       log,
		opts:      buildOptions(opts),
	}
}

// MintInput 定义创建邮箱所需的输入。
type MintInput struct {
	Domain    string
	LocalPart string // 留空时随机生成
	Owner     domain.Owner
	Tier      domain.Tier
	IP        string
}

// Mint 创建新的临时邮箱。
func (s *MailboxService) Mint(ctx context.Context, in MintInput) (*domain.Mailbox, error) {
	if !in.Tier.Valid() {
		return nil, domain.NewError(domain.KindInvalidInput, "unknown tier")
	}
	if in.Owner.IsZero() {
		return nil, domain.NewError(domain.KindInvalidInput, "owner is required")
	}
	policy := s.policies.For(in.Tier)

	domainName := domain.NormalizeAddress(in.Domain)
	if domainName == "" {
		public, err := s.domains.ListPublic(ctx)
		if err != nil {
			return nil, err
		}
		if len(public) == 0 {
			return nil, domain.NewError(domain.KindDomainUnavailable, "no domain configured")
		}
		domainName = public[0]
	}
	d, err := s.domains.Get(ctx, domainName)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if !d.Mintable(in.Owner, in.Tier) || (!d.IsGlobal && !policy.CustomDomain) {
		return nil, domain.NewError(domain.KindDomainUnavailable, "domain is not available")
	}

	// 等级门槛固定为 premium，配置只能在此之上关闭该能力
	localPart := domain.NormalizeAddress(in.LocalPart)
	if localPart != "" {
		if !in.Tier.AtLeast(domain.TierPremium) || !policy.CustomLocalPart {
			return nil, domain.NewError(domain.KindForbidden, "custom addresses are not available for this tier")
		}
		if err := s.validator.ValidateLocalPart(localPart); err != nil {
			return nil, domain.WrapError(domain.KindInvalidInput, "invalid local part", err)
		}
	}

	subject := in.Owner.ID
	if in.Owner.Kind == domain.OwnerAnonymous {
		subject = in.IP
	}
	decision, err := s.guard.CheckAndIncrement(ctx, subject, domain.ActionMailboxCreate, in.Tier)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "check quota", err)
	}
	if !decision.Allowed {
		return nil, domain.QuotaExceeded(decision.RetryAfter)
	}

	mailbox, err := s.create(ctx, d.Name, localPart, in, policy)
	if err != nil {
		s.guard.Refund(ctx, subject, domain.ActionMailboxCreate, in.Tier)
		return nil, err
	}

	s.bus.Publish(domain.Event{
		Type:      domain.EventMailboxCreated,
		Address:   mailbox.Address,
		MailboxID: mailbox.ID,
		Tier:      mailbox.Tier,
		At:        mailbox.CreatedAt,
	})
	s.log.Info("mailbox minted",
		zap.String("address", mailbox.Address),
		zap.String("tier", string(mailbox.Tier)),
		zap.Time("expires_at", mailbox.ExpiresAt),
	)
	return mailbox, nil
}

func (s *MailboxService) create(ctx context.Context, domainName, localPart string, in MintInput, policy domain.TierPolicy) (*domain.Mailbox, error) {
	if localPart != "" {
		mb, err := s.insert(ctx, localPart, domainName, in, policy)
		if errors.Is(err, storage.ErrMailboxExists) {
			return nil, domain.NewError(domain.KindAddressTaken, "address already taken")
		}
		return mb, err
	}

	for attempt := 0; attempt < s.cfg.LocalPartAttempts; attempt++ {
		candidate, err := randomString(localPartAlphabet, s.cfg.LocalPartLength)
		if err != nil {
			return nil, err
		}
		// 首字符必须是字母，避免纯数字前缀
		if candidate[0] >= '0' && candidate[0] <= '9' {
			candidate = string(rune('a'+candidate[0]-'0')) + candidate[1:]
		}

		mb, err := s.insert(ctx, candidate, domainName, in, policy)
		if errors.Is(err, storage.ErrMailboxExists) {
			s.log.Debug("random address collision", zap.String("local_part", candidate))
			continue
		}
		return mb, err
	}
	return nil, domain.NewError(domain.KindAddressExhausted, "no free address found")
}

func (s *MailboxService) insert(ctx context.Context, localPart, domainName string, in MintInput, policy domain.TierPolicy) (*domain.Mailbox, error) {
	address := localPart + "@" + domainName
	if err := s.validator.ValidateEmail(address); err != nil {
		return nil, domain.WrapError(domain.KindInvalidInput, "invalid address", err)
	}

	unlock := s.locks.Lock(address)
	defer unlock()

	token, err := randomString(tokenAlphabet, tokenLength)
	if err != nil {
		return nil, err
	}
	now := s.opts.now().UTC()
	mailbox := &domain.Mailbox{
		ID:        uuid.NewString(),
		Address:   address,
		LocalPart: localPart,
		Domain:    domainName,
		Token:     token,
		Owner:     in.Owner,
		Tier:      in.Tier,
		CreatedAt: now,
		ExpiresAt: now.Add(policy.Retention),
		IPSource:  in.IP,
	}

	if err := s.store.CreateMailbox(ctx, mailbox); err != nil {
		if errors.Is(err, storage.ErrMailboxExists) {
			return nil, err
		}
		return nil, domain.WrapError(domain.KindStoreUnavailable, "create mailbox", err)
	}
	return mailbox, nil
}

// lookup 读取邮箱，包括已过期但尚未清理的
func (s *MailboxService) lookup(ctx context.Context, address string) (*domain.Mailbox, error) {
	address = domain.NormalizeAddress(address)
	if address == "" {
		return nil, domain.NewError(domain.KindInvalidInput, "address is required")
	}
	mb, err := s.store.GetMailboxByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "mailbox not found")
		}
		return nil, domain.WrapError(domain.KindStoreUnavailable, "get mailbox", err)
	}
	return mb, nil
}

// Resolve 根据地址获取有效邮箱，已过期的视为不存在。
func (s *MailboxService) Resolve(ctx context.Context, address string) (*domain.Mailbox, error) {
	mb, err := s.lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	if mb.ExpiredAt(s.opts.now()) {
		return nil, domain.NewError(domain.KindNotFound, "mailbox not found")
	}
	return mb, nil
}

// TouchAndCheckExpired 判断邮箱是否已过期，不做删除
func (s *MailboxService) TouchAndCheckExpired(ctx context.Context, address string) (bool, error) {
	mb, err := s.lookup(ctx, address)
	if err != nil {
		return false, err
	}
	return mb.ExpiredAt(s.opts.now()), nil
}

// Authorize 校验读取权限：邮箱令牌、所属用户或管理员
func (s *MailboxService) Authorize(ctx context.Context, address, token string, requester domain.Requester) (*domain.Mailbox, error) {
	mb, err := s.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	if canAccess(mb, token, requester) {
		return mb, nil
	}
	return nil, domain.NewError(domain.KindForbidden, "access to mailbox denied")
}

func canAccess(mb *domain.Mailbox, token string, requester domain.Requester) bool {
	if requester.Admin {
		return true
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(mb.Token)) == 1 {
		return true
	}
	return mb.Owner.Equal(requester.Owner)
}

// Release 主动释放邮箱，删除全部邮件
func (s *MailboxService) Release(ctx context.Context, address string, requester domain.Requester) error {
	address = domain.NormalizeAddress(address)
	unlock := s.locks.Lock(address)
	defer unlock()

	mb, err := s.Resolve(ctx, address)
	if err != nil {
		return err
	}
	if !requester.Admin && !mb.Owner.Equal(requester.Owner) {
		return domain.NewError(domain.KindForbidden, "only the owner can release a mailbox")
	}

	if err := s.purge(ctx, mb); err != nil {
		return err
	}

	s.opts.metrics.RecordMailboxReleased()
	s.bus.Publish(domain.Event{
		Type:      domain.EventMailboxReleased,
		Address:   mb.Address,
		MailboxID: mb.ID,
		Tier:      mb.Tier,
		At:        s.opts.now().UTC(),
	})
	s.log.Info("mailbox released", zap.String("address", mb.Address), zap.Bool("admin", requester.Admin))
	return nil
}

// purge 依次删除原始文件、邮件和邮箱，调用方需持有地址锁
func (s *MailboxService) purge(ctx context.Context, mb *domain.Mailbox) error {
	if s.opts.blobs != nil {
		if err := s.opts.blobs.DeleteMailboxBlobs(ctx, mb.ID); err != nil {
			return domain.WrapError(domain.KindStoreUnavailable, "delete mailbox files", err)
		}
	}
	if _, err := s.store.DeleteMessagesByMailbox(ctx, mb.ID); err != nil {
		return domain.WrapError(domain.KindStoreUnavailable, "delete messages", err)
	}
	if err := s.store.DeleteMailbox(ctx, mb.ID); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return domain.NewError(domain.KindNotFound, "mailbox not found")
		}
		return domain.WrapError(domain.KindStoreUnavailable, "delete mailbox", err)
	}
	return nil
}

// randomString 使用 crypto/rand 生成随机字符串
func randomString(alphabet string, n int) (string, error) {
	size := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate random string: %w", err)
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b), nil
}

// Now 返回服务使用的当前时间
func (s *MailboxService) Now() time.Time {
	return s.opts.now()
}
