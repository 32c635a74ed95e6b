package domain

import (
	"time"
)

// OwnerKind 邮箱所有者类型
type OwnerKind string

const (
	OwnerAnonymous OwnerKind = "anonymous" // 匿名会话
	OwnerUser      OwnerKind = "user"      // 注册用户
)

// Owner 邮箱所有者：匿名会话 ID 或用户 ID
type Owner struct {
	Kind OwnerKind `json:"kind" gorm:"column:owner_kind;type:varchar(16)"`
	ID   string    `json:"id" gorm:"column:owner_id;type:varchar(64);index"`
}

// IsZero 判断所有者是否为空
func (o Owner) IsZero() bool {
	return o.ID == ""
}

// Equal 判断两个所有者是否相同
func (o Owner) Equal(other Owner) bool {
	return !o.IsZero() && o.Kind == other.Kind && o.ID == other.ID
}

// Requester 发起操作的主体
type Requester struct {
	Owner Owner
	Tier  Tier
	IP    string
	Admin bool
}

// Mailbox 表示临时邮箱的业务实体。
type Mailbox struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address   string    `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	LocalPart string    `json:"localPart" gorm:"type:varchar(64)"`
	Domain    string    `json:"domain" gorm:"type:varchar(253);index"`
	Token     string    `json:"token,omitempty" gorm:"type:varchar(64);uniqueIndex"`
	Owner     Owner     `json:"owner" gorm:"embedded"`
	Tier      Tier      `json:"tier" gorm:"type:varchar(16)"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt" gorm:"index"`
	IPSource  string    `json:"-" gorm:"type:varchar(64)"`
}

// ExpiredAt 判断邮箱在 now 时刻是否已过期
func (m *Mailbox) ExpiredAt(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

// Clone 返回浅拷贝，避免调用方修改存储内部状态
func (m *Mailbox) Clone() *Mailbox {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
