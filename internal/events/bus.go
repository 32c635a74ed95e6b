package events

import (
	"sync"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
)

// Handler 事件处理函数，同步执行，不应阻塞
type Handler func(domain.Event)

// Bus 进程内生命周期事件总线
//
// 发布是同步的：Publish 返回时所有处理函数都已执行完毕。
// 处理函数的 panic 会被捕获并记录，不影响发布方。
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]Handler
	log      *zap.Logger
}

// NewBus 创建事件总线
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[domain.EventType][]Handler),
		log:      log,
	}
}

// Subscribe 注册某类事件的处理函数
func (b *Bus) Subscribe(eventType domain.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish 发布事件
func (b *Bus) Publish(ev domain.Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *Bus) dispatch(h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event", string(ev.Type)),
				zap.String("address", ev.Address),
				zap.Any("panic", r),
			)
		}
	}()
	h(ev)
}
