// Package notifier 按邮箱地址向在线订阅者推送新邮件事件。
//
// 每个订阅者拥有独立的有界队列，发布方永不阻塞；队列满时按配置
// 丢弃最旧的事件或断开该订阅者。
package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/monitoring"
)

const (
	// EventNewMessage 推送给客户端的事件名
	EventNewMessage = "new_message"
	// EventMailboxGone 邮箱过期或释放，只在节点之间转发
	EventMailboxGone = "mailbox_gone"
)

const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
)

var (
	// ErrMailboxGone 邮箱已过期或被释放
	ErrMailboxGone = errors.New("mailbox gone")
	// ErrSlowConsumer 订阅者队列溢出被断开
	ErrSlowConsumer = errors.New("subscriber too slow")
	// ErrClosed 订阅者主动关闭
	ErrClosed = errors.New("subscription closed")
	// ErrShutdown 服务停止
	ErrShutdown = errors.New("notifier shut down")
)

// Event 推送给订阅者的新邮件事件
type Event struct {
	Event     string    `json:"event"`
	Address   string    `json:"address"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// Forwarder 将本节点事件转发给其他节点，实现不得阻塞调用方
type Forwarder interface {
	Forward(ev Event)
}

// MailboxCheck 判断地址当前是否仍可订阅
type MailboxCheck func(ctx context.Context, address string) error

// Notifier 订阅管理器
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]*Subscription

	nextID    atomic.Uint64
	count     atomic.Int64
	buffer    int
	overflow  string
	heartbeat time.Duration

	check     MailboxCheck
	forwarder Forwarder
	metrics   *monitoring.Metrics
	log       *zap.Logger
	now       func() time.Time
}

// Option 配置 Notifier
type Option func(*Notifier)

// WithMetrics 启用指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithMailboxCheck 订阅登记后复查邮箱是否存在，
// 避免在解析地址与登记之间邮箱过期导致订阅永不关闭
func WithMailboxCheck(check MailboxCheck) Option {
	return func(n *Notifier) { n.check = check }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New 创建 Notifier
func New(cfg config.NotifierConfig, log *zap.Logger, opts ...Option) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.Overflow != OverflowDisconnect {
		cfg.Overflow = OverflowDropOldest
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	n := &Notifier{
		subs:      make(map[string]map[uint64]*Subscription),
		buffer:    cfg.Buffer,
		overflow:  cfg.Overflow,
		heartbeat: cfg.Heartbeat,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Heartbeat 返回推送连接的心跳间隔
func (n *Notifier) Heartbeat() time.Duration {
	return n.heartbeat
}

// Attach 订阅生命周期事件
func (n *Notifier) Attach(bus *events.Bus) {
	bus.Subscribe(domain.EventMessageStored, func(ev domain.Event) {
		n.Publish(ev.Address, ev.MessageID)
	})
	gone := func(ev domain.Event) {
		n.CloseAddress(ev.Address, ErrMailboxGone)
		if n.forwarder != nil {
			n.forwarder.Forward(Event{Event: EventMailboxGone, Address: ev.Address, At: n.now().UTC()})
		}
	}
	bus.Subscribe(domain.EventMailboxExpired, gone)
	bus.Subscribe(domain.EventMailboxReleased, gone)
}

// Subscribe 订阅 address 的新邮件事件。
//
// ctx 结束、调用 Close 或邮箱消失时订阅关闭，队列立即释放。
func (n *Notifier) Subscribe(ctx context.Context, address string) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      n.nextID.Add(1),
		address: address,
		queue:   make(chan Event, n.buffer),
		done:    make(chan struct{}),
		n:       n,
	}

	n.mu.Lock()
	set, ok := n.subs[address]
	if !ok {
		set = make(map[uint64]*Subscription)
		n.subs[address] = set
	}
	set[sub.id] = sub
	n.mu.Unlock()
	n.metrics.UpdateNotifierSubscribers(int(n.count.Add(1)))

	if n.check != nil {
		if err := n.check(ctx, address); err != nil {
			sub.closeWith(ErrMailboxGone)
			return nil, err
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.closeWith(ErrClosed)
		case <-sub.done:
		}
	}()

	n.log.Debug("subscriber added", zap.String("address", address), zap.Uint64("id", sub.id))
	return sub, nil
}

// Publish 向 address 的所有订阅者推送，并转发到其他节点
func (n *Notifier) Publish(address, messageID string) {
	ev := Event{
		Event:     EventNewMessage,
		Address:   address,
		MessageID: messageID,
		At:        n.now().UTC(),
	}
	n.Deliver(ev)
	if n.forwarder != nil {
		n.forwarder.Forward(ev)
	}
}

// Deliver 只向本节点订阅者推送
func (n *Notifier) Deliver(ev Event) {
	n.mu.RLock()
	targets := make([]*Subscription, 0, len(n.subs[ev.Address]))
	for _, sub := range n.subs[ev.Address] {
		targets = append(targets, sub)
	}
	n.mu.RUnlock()

	n.metrics.RecordNotifierPublished()
	for _, sub := range targets {
		sub.push(ev)
	}
}

// CloseAddress 关闭 address 的所有订阅
func (n *Notifier) CloseAddress(address string, reason error) {
	n.mu.RLock()
	targets := make([]*Subscription, 0, len(n.subs[address]))
	for _, sub := range n.subs[address] {
		targets = append(targets, sub)
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		sub.closeWith(reason)
	}
	if len(targets) > 0 {
		n.log.Info("subscriptions closed",
			zap.String("address", address),
			zap.Int("count", len(targets)),
			zap.Error(reason),
		)
	}
}

// Shutdown 关闭全部订阅
func (n *Notifier) Shutdown() {
	n.mu.RLock()
	var targets []*Subscription
	for _, set := range n.subs {
		for _, sub := range set {
			targets = append(targets, sub)
		}
	}
	n.mu.RUnlock()

	for _, sub := range targets {
		sub.closeWith(ErrShutdown)
	}
}

// Subscribers 返回 address 当前订阅数
func (n *Notifier) Subscribers(address string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[address])
}

func (n *Notifier) remove(sub *Subscription) {
	n.mu.Lock()
	if set, ok := n.subs[sub.address]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(n.subs, sub.address)
		}
	}
	n.mu.Unlock()
	n.metrics.UpdateNotifierSubscribers(int(n.count.Add(-1)))
}

// Subscription 单个订阅
type Subscription struct {
	id      uint64
	address string
	n       *Notifier

	mu     sync.Mutex
	queue  chan Event
	done   chan struct{}
	err    error
	closed bool
}

// Address 返回订阅的邮箱地址
func (s *Subscription) Address() string { return s.address }

// Events 事件通道。订阅关闭后通道不再写入，Done 随之关闭
func (s *Subscription) Events() <-chan Event { return s.queue }

// Done 订阅关闭时关闭
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err 返回关闭原因，未关闭时为 nil
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close 主动关闭订阅
func (s *Subscription) Close() {
	s.closeWith(ErrClosed)
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	select {
	case s.queue <- ev:
		s.mu.Unlock()
		return
	default:
	}

	if s.n.overflow == OverflowDisconnect {
		s.mu.Unlock()
		s.n.metrics.RecordNotifierDropped(OverflowDisconnect)
		s.n.log.Warn("subscriber queue overflow, disconnecting", zap.String("address", s.address))
		s.closeWith(ErrSlowConsumer)
		return
	}

	// 丢弃最旧的一条再写入；持有 mu 时只有本协程写队列
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- ev:
	default:
	}
	s.mu.Unlock()
	s.n.metrics.RecordNotifierDropped(OverflowDropOldest)
}

func (s *Subscription) closeWith(reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = reason
	close(s.done)
	s.mu.Unlock()

	s.n.remove(s)
	s.n.metrics.RecordNotifierDisconnected(reasonLabel(reason))
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, ErrMailboxGone):
		return "mailbox_gone"
	case errors.Is(err, ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "closed"
	}
}
