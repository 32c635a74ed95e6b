package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// 跨节点事件类型，同时作为频道前缀
const (
	KindNewMail = "new_mail"
	KindGone    = "gone"
)

// MailboxEvent 跨节点转发的邮箱事件
type MailboxEvent struct {
	Origin    string `json:"origin"` // 发布节点 ID，用于丢弃自身回环
	Kind      string `json:"-"`
	Address   string `json:"address"`
	MessageID string `json:"messageId,omitempty"`
}

// PublishMailboxEvent 按事件类型发布到对应频道
func (c *Client) PublishMailboxEvent(ctx context.Context, ev MailboxEvent) error {
	if ev.Kind != KindNewMail && ev.Kind != KindGone {
		return fmt.Errorf("unknown mailbox event kind %q", ev.Kind)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, ev.Kind+":"+ev.Address, data).Err()
}

// SubscribeMailboxEvents 订阅所有邮箱的新邮件与下线通知
func (c *Client) SubscribeMailboxEvents(ctx context.Context) *goredis.PubSub {
	return c.rdb.PSubscribe(ctx, KindNewMail+":*", KindGone+":*")
}

// DecodeMailboxEvent 解析订阅收到的消息，事件类型取自频道前缀
func DecodeMailboxEvent(msg *goredis.Message) (MailboxEvent, error) {
	var ev MailboxEvent
	kind, address, ok := strings.Cut(msg.Channel, ":")
	if !ok || (kind != KindNewMail && kind != KindGone) {
		return ev, fmt.Errorf("unexpected channel %q", msg.Channel)
	}
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return ev, fmt.Errorf("decode mailbox event: %w", err)
	}
	ev.Kind = kind
	if ev.Address == "" {
		ev.Address = address
	}
	return ev, nil
}
