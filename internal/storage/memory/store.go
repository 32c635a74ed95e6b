package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

// Store 使用内存保存邮箱、邮件、域名与过滤规则，主要用于开发验证与单节点部署。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox   // mailboxID -> mailbox
	byAddress map[string]string            // address -> mailboxID
	messages  map[string][]*domain.Message // mailboxID -> 按 Seq 升序
	domains   map[string]*domain.MailDomain
	filters   map[string]*domain.FilterRule
	apiKeys   map[string]*domain.APIKey // id -> key
	seq       int64

	quotaMu sync.Mutex
	quotas  map[quotaKey]*domain.QuotaRecord
}

type quotaKey struct {
	subject string
	action  domain.QuotaAction
}

var (
	_ storage.Store           = (*Store)(nil)
	_ storage.QuotaRepository = (*Store)(nil)
)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		mailboxes: make(map[string]*domain.Mailbox),
		byAddress: make(map[string]string),
		messages:  make(map[string][]*domain.Message),
		domains:   make(map[string]*domain.MailDomain),
		filters:   make(map[string]*domain.FilterRule),
		apiKeys:   make(map[string]*domain.APIKey),
		quotas:    make(map[quotaKey]*domain.QuotaRecord),
	}
}

// ========== Mailbox Repository ==========

// CreateMailbox 插入新邮箱，地址冲突时返回 storage.ErrMailboxExists。
func (s *Store) CreateMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddress[mailbox.Address]; ok {
		return storage.ErrMailboxExists
	}
	s.mailboxes[mailbox.ID] = mailbox.Clone()
	s.byAddress[mailbox.Address] = mailbox.ID
	return nil
}

// GetMailboxByAddress 根据完整地址获取邮箱（包括已过期未清理的）。
func (s *Store) GetMailboxByAddress(_ context.Context, address string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAddress[address]
	if !ok {
		return nil, storage.ErrMailboxNotFound
	}
	return s.mailboxes[id].Clone(), nil
}

// ListExpiredMailboxes 返回在 now 时刻已过期的邮箱，按过期时间升序。
func (s *Store) ListExpiredMailboxes(_ context.Context, now time.Time, limit int) ([]*domain.Mailbox, error) {
	s.mu.RLock()
	result := make([]*domain.Mailbox, 0)
	for _, mb := range s.mailboxes {
		if mb.ExpiredAt(now) {
			result = append(result, mb.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// DeleteMailbox 删除指定邮箱。邮件须由调用方先行删除。
func (s *Store) DeleteMailbox(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[id]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	delete(s.byAddress, mb.Address)
	delete(s.mailboxes, id)
	return nil
}

// CountMailboxes 返回当前邮箱数量。
func (s *Store) CountMailboxes(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.mailboxes)), nil
}

// ========== Message Repository ==========

// AppendMessage 在持有写锁期间校验邮箱未过期后写入。
func (s *Store) AppendMessage(_ context.Context, message *domain.Message, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, ok := s.mailboxes[message.MailboxID]
	if !ok {
		return storage.ErrMailboxNotFound
	}
	if mb.ExpiredAt(now) {
		return storage.ErrMailboxExpired
	}

	s.seq++
	message.Seq = s.seq
	s.messages[message.MailboxID] = append(s.messages[message.MailboxID], message.Clone())
	return nil
}

// ListMessages 倒序返回 Seq 大于 afterSeq 的邮件。
func (s *Store) ListMessages(_ context.Context, mailboxID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, storage.ErrMailboxNotFound
	}

	list := s.messages[mailboxID]
	result := make([]*domain.Message, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Seq <= afterSeq {
			break
		}
		result = append(result, list[i].Clone())
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// GetMessage 获取单封邮件。
func (s *Store) GetMessage(_ context.Context, mailboxID, messageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, msg := s.findMessageLocked(mailboxID, messageID)
	if msg == nil {
		return nil, storage.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// MarkMessageRead 将邮件标记为已读。
func (s *Store) MarkMessageRead(_ context.Context, mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, msg := s.findMessageLocked(mailboxID, messageID)
	if msg == nil {
		return storage.ErrMessageNotFound
	}
	msg.IsRead = true
	return nil
}

// DeleteMessage 删除指定邮件。
func (s *Store) DeleteMessage(_ context.Context, mailboxID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, msg := s.findMessageLocked(mailboxID, messageID)
	if msg == nil {
		return storage.ErrMessageNotFound
	}
	list := s.messages[mailboxID]
	s.messages[mailboxID] = append(list[:idx:idx], list[idx+1:]...)
	return nil
}

// DeleteMessagesByMailbox 删除邮箱中的所有邮件，返回删除数量。
func (s *Store) DeleteMessagesByMailbox(_ context.Context, mailboxID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.messages[mailboxID])
	delete(s.messages, mailboxID)
	return count, nil
}

func (s *Store) findMessageLocked(mailboxID, messageID string) (int, *domain.Message) {
	for i, msg := range s.messages[mailboxID] {
		if msg.ID == messageID {
			return i, msg
		}
	}
	return -1, nil
}

// ========== Domain Repository ==========

// SaveDomain 新增或覆盖域名。
func (s *Store) SaveDomain(_ context.Context, d *domain.MailDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[d.Name] = d.Clone()
	return nil
}

// GetDomain 根据名称获取域名。
func (s *Store) GetDomain(_ context.Context, name string) (*domain.MailDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[name]
	if !ok {
		return nil, storage.ErrDomainNotFound
	}
	return d.Clone(), nil
}

// ListDomains 按名称返回全部域名。
func (s *Store) ListDomains(_ context.Context) ([]*domain.MailDomain, error) {
	s.mu.RLock()
	result := make([]*domain.MailDomain, 0, len(s.domains))
	for _, d := range s.domains {
		result = append(result, d.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// DeleteDomain 删除域名，不影响已存在的邮箱。
func (s *Store) DeleteDomain(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[name]; !ok {
		return storage.ErrDomainNotFound
	}
	delete(s.domains, name)
	return nil
}

// ========== Filter Repository ==========

// SaveFilterRule 新增或覆盖过滤规则。
func (s *Store) SaveFilterRule(_ context.Context, rule *domain.FilterRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.filters[rule.ID] = &cp
	return nil
}

// ListFilterRules 按创建时间返回全部规则。
func (s *Store) ListFilterRules(_ context.Context) ([]*domain.FilterRule, error) {
	s.mu.RLock()
	result := make([]*domain.FilterRule, 0, len(s.filters))
	for _, r := range s.filters {
		cp := *r
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteFilterRule 删除过滤规则。
func (s *Store) DeleteFilterRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.filters[id]; !ok {
		return storage.ErrFilterNotFound
	}
	delete(s.filters, id)
	return nil
}

// ========== API Key Repository ==========

// SaveAPIKey 新增或覆盖密钥。
func (s *Store) SaveAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.ID] = key.Clone()
	return nil
}

// GetAPIKey 按 ID 获取密钥。
func (s *Store) GetAPIKey(_ context.Context, id string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	return key.Clone(), nil
}

// GetAPIKeyByHash 按摘要查找密钥，数量很少，直接遍历。
func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range s.apiKeys {
		if key.KeyHash == hash {
			return key.Clone(), nil
		}
	}
	return nil, storage.ErrAPIKeyNotFound
}

// ListAPIKeys 按创建时间返回全部密钥。
func (s *Store) ListAPIKeys(_ context.Context) ([]*domain.APIKey, error) {
	s.mu.RLock()
	result := make([]*domain.APIKey, 0, len(s.apiKeys))
	for _, key := range s.apiKeys {
		result = append(result, key.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateAPIKeyLastUsed 记录最后使用时间。
func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	t := at
	key.LastUsedAt = &t
	return nil
}

// ========== Quota Repository ==========

// IncrementQuota 在互斥锁内完成窗口判断与递增。
func (s *Store) IncrementQuota(_ context.Context, subject string, action domain.QuotaAction, limit int64, window time.Duration, now time.Time) (storage.QuotaResult, error) {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	key := quotaKey{subject: subject, action: action}
	rec, ok := s.quotas[key]
	if !ok || !now.Before(rec.WindowStart.Add(window)) {
		rec = &domain.QuotaRecord{Subject: subject, Action: action, WindowStart: now}
		s.quotas[key] = rec
	}

	if limit > 0 && rec.Count >= limit {
		return storage.QuotaResult{Allowed: false, Count: rec.Count, WindowStart: rec.WindowStart}, nil
	}
	rec.Count++
	return storage.QuotaResult{Allowed: true, Count: rec.Count, WindowStart: rec.WindowStart}, nil
}

// DecrementQuota 退还一次计数。
func (s *Store) DecrementQuota(_ context.Context, subject string, action domain.QuotaAction) error {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	if rec, ok := s.quotas[quotaKey{subject: subject, action: action}]; ok && rec.Count > 0 {
		rec.Count--
	}
	return nil
}

// PruneQuotas 清理窗口已结束的计数记录，返回清理数量。
func (s *Store) PruneQuotas(now time.Time, window time.Duration) int {
	s.quotaMu.Lock()
	defer s.quotaMu.Unlock()

	count := 0
	for key, rec := range s.quotas {
		if !now.Before(rec.WindowStart.Add(window)) {
			delete(s.quotas, key)
			count++
		}
	}
	return count
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康。
func (s *Store) Health() error {
	return nil
}
