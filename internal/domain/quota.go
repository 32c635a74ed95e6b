package domain

import "time"

// QuotaAction 受配额约束的操作
type QuotaAction string

const (
	ActionMailboxCreate  QuotaAction = "mailbox_create"
	ActionMessageReceive QuotaAction = "message_receive"
)

// QuotaRecord 某主体在当前窗口内的计数
type QuotaRecord struct {
	Subject     string      `json:"subject" gorm:"primaryKey;type:varchar(255)"`
	Action      QuotaAction `json:"action" gorm:"primaryKey;type:varchar(32)"`
	WindowStart time.Time   `json:"windowStart"`
	Count       int64       `json:"count"`
}

// Limit 返回等级策略中该操作的上限，0 表示不限制
func (p TierPolicy) Limit(action QuotaAction) int {
	switch action {
	case ActionMailboxCreate:
		return p.MailboxLimit
	case ActionMessageReceive:
		return p.MessageLimit
	}
	return 0
}
