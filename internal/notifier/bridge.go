package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	redisstore "tempmail/mailcore/internal/storage/redis"
)

const (
	bridgeQueueSize      = 1024
	bridgePublishTimeout = 2 * time.Second
)

// Bridge 通过 Redis 发布订阅在多个节点之间转发新邮件与邮箱下线事件。
//
// Forward 只写入有界队列，由 Run 中的发布协程统一发送；队列满时丢弃并计数。
type Bridge struct {
	client *redisstore.Client
	n      *Notifier
	nodeID string
	queue  chan Event
	log    *zap.Logger
}

// NewBridge 创建桥接器并挂到 n 上，本节点发布的事件会自动转发
func NewBridge(client *redisstore.Client, n *Notifier, log *zap.Logger) *Bridge {
	return newBridge(client, n, bridgeQueueSize, log)
}

func newBridge(client *redisstore.Client, n *Notifier, size int, log *zap.Logger) *Bridge {
	b := &Bridge{
		client: client,
		n:      n,
		nodeID: uuid.NewString(),
		queue:  make(chan Event, size),
		log:    log,
	}
	n.forwarder = b
	return b
}

// Forward 入队待发送，永不阻塞
func (b *Bridge) Forward(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.n.metrics.RecordNotifierDropped("bridge_full")
		b.log.Warn("bridge queue full, event dropped",
			zap.String("event", ev.Event),
			zap.String("address", ev.Address),
		)
	}
}

// Run 发送本节点事件并接收其他节点的事件，直到 ctx 结束
func (b *Bridge) Run(ctx context.Context) error {
	ps := b.client.SubscribeMailboxEvents(ctx)
	defer ps.Close()

	b.log.Info("notifier redis bridge started", zap.String("node_id", b.nodeID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-b.queue:
				b.send(gctx, ev)
			}
		}
	})
	g.Go(func() error {
		ch := ps.Channel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg, ok := <-ch:
				if !ok {
					return nil
				}
				ev, err := redisstore.DecodeMailboxEvent(msg)
				if err != nil {
					b.log.Warn("invalid bridged event", zap.Error(err))
					continue
				}
				b.handle(ev)
			}
		}
	})
	return g.Wait()
}

func (b *Bridge) send(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, bridgePublishTimeout)
	defer cancel()

	kind := redisstore.KindNewMail
	if ev.Event == EventMailboxGone {
		kind = redisstore.KindGone
	}
	err := b.client.PublishMailboxEvent(ctx, redisstore.MailboxEvent{
		Origin:    b.nodeID,
		Kind:      kind,
		Address:   ev.Address,
		MessageID: ev.MessageID,
	})
	if err != nil {
		b.log.Warn("failed to forward mailbox event",
			zap.String("kind", kind),
			zap.String("address", ev.Address),
			zap.Error(err),
		)
	}
}

// handle 处理其他节点转发的事件，忽略本节点自身的回环
func (b *Bridge) handle(ev redisstore.MailboxEvent) {
	if ev.Origin == b.nodeID {
		return
	}
	switch ev.Kind {
	case redisstore.KindGone:
		b.n.CloseAddress(ev.Address, ErrMailboxGone)
	case redisstore.KindNewMail:
		b.n.Deliver(Event{
			Event:     EventNewMessage,
			Address:   ev.Address,
			MessageID: ev.MessageID,
			At:        b.n.now().UTC(),
		})
	}
}
