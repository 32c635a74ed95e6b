package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	redisstore "tempmail/mailcore/internal/storage/redis"
)

func TestBridge_Forward(t *testing.T) {
	t.Run("队列满时丢弃且不阻塞发布方", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		b := newBridge(nil, n, 2, zap.NewNop())

		done := make(chan struct{})
		go func() {
			for i := 0; i < 10; i++ {
				n.Publish(addr, "m")
			}
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked on bridge")
		}
		assert.Len(t, b.queue, 2)
	})

	t.Run("本地投递不受桥接影响", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		newBridge(nil, n, 1, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)

		n.Publish(addr, "m1")
		n.Publish(addr, "m2")
		assert.Equal(t, "m1", recv(t, sub).MessageID)
		assert.Equal(t, "m2", recv(t, sub).MessageID)
	})
}

func TestBridge_Handle(t *testing.T) {
	t.Run("其他节点的新邮件投递给本地订阅者", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		b := newBridge(nil, n, 1, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)

		b.handle(redisstore.MailboxEvent{Origin: "peer", Kind: redisstore.KindNewMail, Address: addr, MessageID: "m1"})
		ev := recv(t, sub)
		assert.Equal(t, EventNewMessage, ev.Event)
		assert.Equal(t, "m1", ev.MessageID)
	})

	t.Run("其他节点的下线事件关闭本地订阅", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		b := newBridge(nil, n, 1, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)

		b.handle(redisstore.MailboxEvent{Origin: "peer", Kind: redisstore.KindGone, Address: addr})
		assert.ErrorIs(t, sub.Err(), ErrMailboxGone)
		assert.Zero(t, n.Subscribers(addr))
	})

	t.Run("忽略本节点发出的回环事件", func(t *testing.T) {
		n := New(config.NotifierConfig{}, zap.NewNop())
		b := newBridge(nil, n, 1, zap.NewNop())
		sub, err := n.Subscribe(context.Background(), addr)
		require.NoError(t, err)

		b.handle(redisstore.MailboxEvent{Origin: b.nodeID, Kind: redisstore.KindGone, Address: addr})
		assert.NoError(t, sub.Err())
		assert.Equal(t, 1, n.Subscribers(addr))
	})
}
