package sql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

// ========== Mailbox Repository ==========

// CreateMailbox 插入新邮箱
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	err := s.gormDB.WithContext(ctx).Create(mailbox).Error
	if isDuplicateKey(err) {
		return storage.ErrMailboxExists
	}
	return err
}

// GetMailboxByAddress 根据地址获取邮箱，包括已过期但尚未清理的
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	var mailbox domain.Mailbox
	err := s.gormDB.WithContext(ctx).Where("address = ?", address).First(&mailbox).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMailboxNotFound
		}
		return nil, err
	}
	return &mailbox, nil
}

// ListExpiredMailboxes 返回已过期的邮箱，按过期时间升序
func (s *Store) ListExpiredMailboxes(ctx context.Context, now time.Time, limit int) ([]*domain.Mailbox, error) {
	var mailboxes []*domain.Mailbox
	q := s.gormDB.WithContext(ctx).Where("expires_at <= ?", now).Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&mailboxes).Error; err != nil {
		return nil, err
	}
	return mailboxes, nil
}

// DeleteMailbox 删除邮箱及其剩余邮件
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mailbox_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Mailbox{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return storage.ErrMailboxNotFound
		}
		return nil
	})
}

// CountMailboxes 返回邮箱总数
func (s *Store) CountMailboxes(ctx context.Context) (int64, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).Model(&domain.Mailbox{}).Count(&count).Error
	return count, err
}

// ========== Message Repository ==========

// AppendMessage 锁定邮箱行后写入邮件，邮箱过期则拒绝
func (s *Store) AppendMessage(ctx context.Context, message *domain.Message, now time.Time) error {
	return s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mailbox domain.Mailbox
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", message.MailboxID).
			First(&mailbox).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrMailboxNotFound
			}
			return err
		}
		if mailbox.ExpiredAt(now) {
			return storage.ErrMailboxExpired
		}

		message.Seq = 0
		return tx.Create(message).Error
	})
}

// ListMessages 倒序返回 Seq 大于 afterSeq 的邮件
func (s *Store) ListMessages(ctx context.Context, mailboxID string, afterSeq int64, limit int) ([]*domain.Message, error) {
	var count int64
	if err := s.gormDB.WithContext(ctx).Model(&domain.Mailbox{}).Where("id = ?", mailboxID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, storage.ErrMailboxNotFound
	}

	var messages []*domain.Message
	q := s.gormDB.WithContext(ctx).
		Where("mailbox_id = ? AND seq > ?", mailboxID, afterSeq).
		Order("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// GetMessage 获取单封邮件
func (s *Store) GetMessage(ctx context.Context, mailboxID, messageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.gormDB.WithContext(ctx).Where("id = ? AND mailbox_id = ?", messageID, mailboxID).First(&message).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// MarkMessageRead 将邮件标记为已读，重复标记不报错
func (s *Store) MarkMessageRead(ctx context.Context, mailboxID, messageID string) error {
	result := s.gormDB.WithContext(ctx).Model(&domain.Message{}).
		Where("id = ? AND mailbox_id = ?", messageID, mailboxID).
		Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// MySQL 对未变化的行返回 0，需要再确认一次是否存在
		if _, err := s.GetMessage(ctx, mailboxID, messageID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessage 删除单封邮件
func (s *Store) DeleteMessage(ctx context.Context, mailboxID, messageID string) error {
	result := s.gormDB.WithContext(ctx).
		Where("id = ? AND mailbox_id = ?", messageID, mailboxID).
		Delete(&domain.Message{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrMessageNotFound
	}
	return nil
}

// DeleteMessagesByMailbox 删除邮箱下全部邮件
func (s *Store) DeleteMessagesByMailbox(ctx context.Context, mailboxID string) (int, error) {
	result := s.gormDB.WithContext(ctx).Where("mailbox_id = ?", mailboxID).Delete(&domain.Message{})
	return int(result.RowsAffected), result.Error
}

// ========== Domain Repository ==========

// SaveDomain 插入或更新域名
func (s *Store) SaveDomain(ctx context.Context, d *domain.MailDomain) error {
	return s.gormDB.WithContext(ctx).Save(d).Error
}

// GetDomain 根据名称获取域名
func (s *Store) GetDomain(ctx context.Context, name string) (*domain.MailDomain, error) {
	var d domain.MailDomain
	err := s.gormDB.WithContext(ctx).Where("name = ?", name).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrDomainNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDomains 按名称返回全部域名
func (s *Store) ListDomains(ctx context.Context) ([]*domain.MailDomain, error) {
	var domains []*domain.MailDomain
	err := s.gormDB.WithContext(ctx).Order("name ASC").Find(&domains).Error
	return domains, err
}

// DeleteDomain 删除域名，不影响已存在的邮箱
func (s *Store) DeleteDomain(ctx context.Context, name string) error {
	result := s.gormDB.WithContext(ctx).Where("name = ?", name).Delete(&domain.MailDomain{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrDomainNotFound
	}
	return nil
}

// ========== Filter Repository ==========

// SaveFilterRule 插入或更新过滤规则
func (s *Store) SaveFilterRule(ctx context.Context, rule *domain.FilterRule) error {
	return s.gormDB.WithContext(ctx).Save(rule).Error
}

// ListFilterRules 按创建时间返回全部规则
func (s *Store) ListFilterRules(ctx context.Context) ([]*domain.FilterRule, error) {
	var rules []*domain.FilterRule
	err := s.gormDB.WithContext(ctx).Order("created_at ASC, id ASC").Find(&rules).Error
	return rules, err
}

// DeleteFilterRule 删除过滤规则
func (s *Store) DeleteFilterRule(ctx context.Context, id string) error {
	result := s.gormDB.WithContext(ctx).Where("id = ?", id).Delete(&domain.FilterRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrFilterNotFound
	}
	return nil
}

// ========== API Key Repository ==========

// SaveAPIKey 插入或更新密钥
func (s *Store) SaveAPIKey(ctx context.Context, key *domain.APIKey) error {
	return s.gormDB.WithContext(ctx).Save(key).Error
}

// GetAPIKey 根据 ID 获取密钥
func (s *Store) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	return s.findAPIKey(ctx, "id = ?", id)
}

// GetAPIKeyByHash 按摘要查找密钥
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	return s.findAPIKey(ctx, "key_hash = ?", hash)
}

func (s *Store) findAPIKey(ctx context.Context, query string, arg string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.gormDB.WithContext(ctx).Where(query, arg).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAPIKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// ListAPIKeys 按创建时间返回全部密钥
func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := s.gormDB.WithContext(ctx).Order("created_at ASC, id ASC").Find(&keys).Error
	return keys, err
}

// UpdateAPIKeyLastUsed 记录最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	result := s.gormDB.WithContext(ctx).Model(&domain.APIKey{}).Where("id = ?", id).Update("last_used_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}
