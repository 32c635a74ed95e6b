package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	now := time.Now()
	c := NewLocalCache[int](time.Minute)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "条目应在 TTL 之后失效")

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Set("c", 3, 0)
	now = now.Add(time.Hour)
	c.purge()
	_, ok = c.Get("c")
	assert.False(t, ok)
}
