package domain

import "time"

// EventType 生命周期事件类型
type EventType string

const (
	EventMailboxCreated  EventType = "mailbox.created"
	EventMailboxExpired  EventType = "mailbox.expired"
	EventMailboxReleased EventType = "mailbox.released"
	EventMessageStored   EventType = "message.stored"
)

// Event 在组件之间传递的生命周期事件
type Event struct {
	Type      EventType
	Address   string
	MailboxID string
	MessageID string
	Tier      Tier
	At        time.Time
}
