package storage

import (
	"context"
	"errors"
	"time"

	"tempmail/mailcore/internal/domain"
)

// 存储层哨兵错误，由服务层映射为业务错误类别
var (
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMailboxExists   = errors.New("mailbox address already exists")
	ErrMailboxExpired  = errors.New("mailbox expired")
	ErrMessageNotFound = errors.New("message not found")
	ErrDomainNotFound  = errors.New("domain not found")
	ErrFilterNotFound  = errors.New("filter rule not found")
	ErrAPIKeyNotFound  = errors.New("api key not found")
)

// MailboxRepository 定义邮箱数据存取操作。
//
// 过期但尚未被清理的邮箱仍然存在于仓储中，由注册表负责隐藏。
type MailboxRepository interface {
	// CreateMailbox 插入新邮箱，地址已存在时返回 ErrMailboxExists
	CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error)
	// ListExpiredMailboxes 返回 expires_at <= now 的邮箱，最多 limit 个
	ListExpiredMailboxes(ctx context.Context, now time.Time, limit int) ([]*domain.Mailbox, error)
	DeleteMailbox(ctx context.Context, id string) error
	CountMailboxes(ctx context.Context) (int64, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// AppendMessage 在同一临界区内校验邮箱未过期后写入，并分配 Seq
	AppendMessage(ctx context.Context, message *domain.Message, now time.Time) error
	// ListMessages 按到达顺序倒序返回 Seq > afterSeq 的邮件
	ListMessages(ctx context.Context, mailboxID string, afterSeq int64, limit int) ([]*domain.Message, error)
	GetMessage(ctx context.Context, mailboxID, messageID string) (*domain.Message, error)
	MarkMessageRead(ctx context.Context, mailboxID, messageID string) error
	DeleteMessage(ctx context.Context, mailboxID, messageID string) error
	// DeleteMessagesByMailbox 删除邮箱下全部邮件，返回删除数量
	DeleteMessagesByMailbox(ctx context.Context, mailboxID string) (int, error)
}

// DomainRepository 定义域名数据存取操作。
type DomainRepository interface {
	SaveDomain(ctx context.Context, d *domain.MailDomain) error
	GetDomain(ctx context.Context, name string) (*domain.MailDomain, error)
	ListDomains(ctx context.Context) ([]*domain.MailDomain, error)
	DeleteDomain(ctx context.Context, name string) error
}

// FilterRepository 定义过滤规则数据存取操作。
type FilterRepository interface {
	SaveFilterRule(ctx context.Context, rule *domain.FilterRule) error
	ListFilterRules(ctx context.Context) ([]*domain.FilterRule, error)
	DeleteFilterRule(ctx context.Context, id string) error
}

// APIKeyRepository 定义管理员密钥存取操作。
type APIKeyRepository interface {
	// SaveAPIKey 插入或更新密钥
	SaveAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error)
	// GetAPIKeyByHash 按摘要查找，走唯一索引
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// QuotaResult 一次配额递增的结果
type QuotaResult struct {
	Allowed     bool
	Count       int64
	WindowStart time.Time
}

// QuotaRepository 定义配额计数操作，实现必须保证递增的原子性。
type QuotaRepository interface {
	// IncrementQuota 在固定窗口内计数；计数已达 limit 时不递增并返回 Allowed=false
	IncrementQuota(ctx context.Context, subject string, action domain.QuotaAction, limit int64, window time.Duration, now time.Time) (QuotaResult, error)
	// DecrementQuota 退还一次计数，窗口已过期时忽略
	DecrementQuota(ctx context.Context, subject string, action domain.QuotaAction) error
}

// Store 聚合核心数据仓储。
type Store interface {
	MailboxRepository
	MessageRepository
	DomainRepository
	FilterRepository
	APIKeyRepository

	Close() error
	Health() error
}

// BlobStore 保存原始邮件与附件内容，按邮箱目录组织。
type BlobStore interface {
	SaveRaw(ctx context.Context, mailboxID, messageID string, raw []byte) error
	GetRaw(ctx context.Context, mailboxID, messageID string) ([]byte, error)
	// SaveAttachment 写入附件内容并返回相对存储路径
	SaveAttachment(ctx context.Context, mailboxID, messageID string, att *domain.Attachment) (string, error)
	GetAttachment(ctx context.Context, mailboxID, messageID string, att *domain.Attachment) ([]byte, error)
	DeleteMessageBlobs(ctx context.Context, mailboxID, messageID string) error
	// DeleteMailboxBlobs 删除邮箱目录，目录不存在时不报错
	DeleteMailboxBlobs(ctx context.Context, mailboxID string) error
}

// ErrBlobNotFound 原始内容或附件文件不存在
var ErrBlobNotFound = errors.New("blob not found")
