package domain

import (
	"strconv"
	"time"
)

// Message 表示一封临时邮箱内的邮件。
//
// Seq 由存储层单调分配，作为增量拉取的游标来源。
type Message struct {
	Seq            int64         `json:"-" gorm:"primaryKey;autoIncrement"`
	ID             string        `json:"id" gorm:"type:varchar(36);uniqueIndex"`
	MailboxID      string        `json:"mailboxId" gorm:"type:varchar(36);index;not null"`
	MailboxAddress string        `json:"mailbox" gorm:"type:varchar(255);index;not null"`
	From           string        `json:"from" gorm:"type:varchar(255)"`
	To             string        `json:"to" gorm:"type:varchar(255)"`
	Subject        string        `json:"subject" gorm:"type:varchar(998)"`
	Text           string        `json:"text,omitempty" gorm:"type:text"`
	HTML           string        `json:"html,omitempty" gorm:"type:text"`
	Headers        Headers       `json:"headers,omitempty" gorm:"serializer:json"`
	Attachments    []*Attachment `json:"attachments,omitempty" gorm:"serializer:json"`
	Tags           []string      `json:"tags,omitempty" gorm:"serializer:json"`
	Size           int64         `json:"size"`
	HasRaw         bool          `json:"hasRaw" gorm:"default:false"`
	IsRead         bool          `json:"isRead" gorm:"default:false"`
	ReceivedAt     time.Time     `json:"receivedAt" gorm:"index"`
}

// Headers 邮件头（同名头只保留第一个值）
type Headers map[string]string

// Cursor 返回该邮件对应的增量游标
func (m *Message) Cursor() string {
	return strconv.FormatInt(m.Seq, 36)
}

// Clone 返回拷贝，切片与映射会重新分配
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Headers != nil {
		cp.Headers = make(Headers, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	if m.Attachments != nil {
		cp.Attachments = make([]*Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			ac := *a
			cp.Attachments[i] = &ac
		}
	}
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	return &cp
}

// ParseCursor 将游标字符串解析为序号，空串表示从头开始
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(cursor, 36, 64)
	if err != nil || seq < 0 {
		return 0, NewError(KindInvalidInput, "invalid cursor")
	}
	return seq, nil
}
