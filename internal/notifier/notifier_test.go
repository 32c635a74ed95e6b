package notifier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
)

const addr = "box@temp.test"

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestNotifier_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("每个订阅者恰好收到一次", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		a, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)
		b, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)
		other, err := n.Subscribe(ctx, "other@temp.test")
		require.NoError(t, err)

		n.Publish(addr, "m1")

		assert.Equal(t, "m1", recv(t, a).MessageID)
		ev := recv(t, b)
		assert.Equal(t, EventNewMessage, ev.Event)
		assert.Equal(t, addr, ev.Address)

		assert.Len(t, a.Events(), 0)
		assert.Len(t, other.Events(), 0)
	})

	t.Run("顺序与发布一致", func(t *testing.T) {
		n := New(config.NotifierConfig{Buffer: 8}, zap.NewNop())
		sub, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			n.Publish(addr, fmt.Sprintf("m%d", i))
		}
		for i := 0; i < 5; i++ {
			assert.Equal(t, fmt.Sprintf("m%d", i), recv(t, sub).MessageID)
		}
	})
}

func TestNotifier_Overflow(t *testing.T) {
	ctx := context.Background()

	t.Run("丢弃最旧", func(t *testing.T) {
		n := New(config.NotifierConfig{Buffer: 2, Overflow: OverflowDropOldest}, zap.NewNop())
		slow, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)
		fast, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			n.Publish(addr, fmt.Sprintf("m%d", i))
			// fast 及时消费，不受 slow 影响
			assert.Equal(t, fmt.Sprintf("m%d", i), recv(t, fast).MessageID)
		}

		assert.Equal(t, "m3", recv(t, slow).MessageID)
		assert.Equal(t, "m4", recv(t, slow).MessageID)
		assert.NoError(t, slow.Err())
	})

	t.Run("断开慢订阅者", func(t *testing.T) {
		n := New(config.NotifierConfig{Buffer: 1, Overflow: OverflowDisconnect}, zap.NewNop())
		slow, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)

		n.Publish(addr, "m1")
		n.Publish(addr, "m2")

		select {
		case <-slow.Done():
		case <-time.After(time.Second):
			t.Fatal("slow subscriber not disconnected")
		}
		assert.ErrorIs(t, slow.Err(), ErrSlowConsumer)
		assert.Zero(t, n.Subscribers(addr))
	})
}

func TestNotifier_Lifecycle(t *testing.T) {
	t.Run("取消上下文立即移除", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := n.Subscribe(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, 1, n.Subscribers(addr))

		cancel()
		<-sub.Done()
		assert.Eventually(t, func() bool { return n.Subscribers(addr) == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("主动关闭", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)
		sub.Close()
		sub.Close()
		assert.ErrorIs(t, sub.Err(), ErrClosed)
		assert.Zero(t, n.Subscribers(addr))

		// 关闭后发布不会阻塞或写入
		n.Publish(addr, "m1")
		assert.Len(t, sub.Events(), 0)
	})

	t.Run("邮箱过期或释放时关闭", func(t *testing.T) {
		bus := events.NewBus(zap.NewNop())
		n := New(config.NotifierConfig{}, zap.NewNop())
		n.Attach(bus)

		a, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)
		b, err := n.Subscribe(context.Background(), "b@temp.test")
		require.NoError(t, err)

		bus.Publish(domain.Event{Type: domain.EventMessageStored, Address: addr, MessageID: "m1"})
		assert.Equal(t, "m1", recv(t, a).MessageID)

		bus.Publish(domain.Event{Type: domain.EventMailboxExpired, Address: addr})
		<-a.Done()
		assert.ErrorIs(t, a.Err(), ErrMailboxGone)

		bus.Publish(domain.Event{Type: domain.EventMailboxReleased, Address: "b@temp.test"})
		<-b.Done()
		assert.ErrorIs(t, b.Err(), ErrMailboxGone)
	})

	t.Run("登记后复查邮箱", func(t *testing.T) {
		gone := errors.New("not found")
		n := New(config.NotifierConfig{}, zap.NewNop(), WithMailboxCheck(func(_ context.Context, address string) error {
			if address == addr {
				return gone
			}
			return nil
		}))

		_, err := n.Subscribe(context.Background(), addr)
		assert.ErrorIs(t, err, gone)
		assert.Zero(t, n.Subscribers(addr))

		_, err = n.Subscribe(context.Background(), "ok@temp.test")
		assert.NoError(t, err)
	})

	t.Run("停止时关闭全部订阅", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)
		n.Shutdown()
		assert.ErrorIs(t, sub.Err(), ErrShutdown)
	})
}

type recordingForwarder struct {
	events []Event
}

func (f *recordingForwarder) Forward(ev Event) {
	f.events = append(f.events, ev)
}

func TestNotifier_Forwarder(t *testing.T) {
	n := New(config.NotifierConfig{}, zap.NewNop())
	fw := &recordingForwarder{}
	n.forwarder = fw

	n.Publish(addr, "m1")
	require.Len(t, fw.events, 1)
	assert.Equal(t, "m1", fw.events[0].MessageID)

	// Deliver 只投递本地，不再转发
	n.Deliver(Event{Event: EventNewMessage, Address: addr, MessageID: "m2"})
	assert.Len(t, fw.events, 1)

	t.Run("邮箱下线同样转发", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		fw := &recordingForwarder{}
		n.forwarder = fw
		bus := events.NewBus(zap.NewNop())
		n.Attach(bus)

		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)
		bus.Publish(domain.Event{Type: domain.EventMailboxReleased, Address: addr})
		bus.Publish(domain.Event{Type: domain.EventMailboxExpired, Address: "other@temp.test"})

		assert.ErrorIs(t, sub.Err(), ErrMailboxGone)
		require.Len(t, fw.events, 2)
		assert.Equal(t, EventMailboxGone, fw.events[0].Event)
		assert.Equal(t, addr, fw.events[0].Address)
		assert.Equal(t, "other@temp.test", fw.events[1].Address)
	})
}
