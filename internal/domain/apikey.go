package domain

import "time"

// APIKey 数据库中的管理员密钥，只保存 SHA-256 摘要
type APIKey struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name       string     `json:"name" gorm:"type:varchar(100)"`                                     // 密钥名称/描述
	KeyPrefix  string     `json:"keyPrefix" gorm:"type:varchar(20);not null"`                        // 明文前缀，便于辨认
	KeyHash    string     `json:"-" gorm:"column:key_hash;type:varchar(64);uniqueIndex;not null"` // 十六进制摘要
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Usable 未吊销且未过期
func (k *APIKey) Usable(now time.Time) bool {
	if k == nil || !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Clone 返回深拷贝
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	cp := *k
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		cp.ExpiresAt = &t
	}
	if k.LastUsedAt != nil {
		t := *k.LastUsedAt
		cp.LastUsedAt = &t
	}
	return &cp
}
