package pool

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex 按键分段的互斥锁
//
// 同一个键总是映射到同一把锁；不同键可能共享一把锁，但不会死锁，
// 因为调用方一次只持有一个键。
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex 创建包含 n 个分段的锁，n 不大于 0 时使用 256
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = 256
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, n)}
}

// Lock 锁住 key，返回解锁函数
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	m := &k.stripes[k.index(key)]
	m.Lock()
	return m.Unlock
}

func (k *KeyedMutex) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.stripes))
}
