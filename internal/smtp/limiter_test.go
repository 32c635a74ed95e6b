package smtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLimiter(t *testing.T) {
	t.Run("并发上限", func(t *testing.T) {
		l := NewConnectionLimiter(2, 0, 1)
		r1, err := l.Acquire("a")
		require.NoError(t, err)
		_, err = l.Acquire("b")
		require.NoError(t, err)

		_, err = l.Acquire("c")
		assert.ErrorIs(t, err, ErrTooManyConnections)

		r1()
		r1() // 重复释放无效
		assert.Equal(t, 1, l.Current())
		_, err = l.Acquire("c")
		assert.NoError(t, err)
	})

	t.Run("单 IP 速率", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		l := NewConnectionLimiter(0, 1, 2)
		l.now = func() time.Time { return now }

		for i := 0; i < 2; i++ {
			release, err := l.Acquire("1.1.1.1")
			require.NoError(t, err)
			release()
		}
		_, err := l.Acquire("1.1.1.1")
		assert.ErrorIs(t, err, ErrConnectionRate)

		// 其他 IP 不受影响
		_, err = l.Acquire("2.2.2.2")
		assert.NoError(t, err)

		now = now.Add(time.Second)
		_, err = l.Acquire("1.1.1.1")
		assert.NoError(t, err)
	})

	t.Run("清理空闲 IP", func(t *testing.T) {
		now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
		l := NewConnectionLimiter(0, 1, 1)
		l.now = func() time.Time { return now }
		_, err := l.Acquire("1.1.1.1")
		require.NoError(t, err)

		now = now.Add(time.Hour)
		assert.Equal(t, 1, l.Cleanup(time.Minute))
		assert.Equal(t, 0, l.Cleanup(time.Minute))
	})
}
