package smtp

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrTooManyConnections 并发连接数已满
	ErrTooManyConnections = errors.New("too many concurrent connections")
	// ErrConnectionRate 单个 IP 新建连接过快
	ErrConnectionRate = errors.New("connection rate exceeded")
)

// ConnectionLimiter SMTP 连接限流器
//
// 同时限制全局并发连接数和每个来源 IP 的新建连接速率。
type ConnectionLimiter struct {
	maxConns int
	perIP    rate.Limit
	burst    int
	now      func() time.Time

	mu       sync.Mutex
	current  int
	visitors map[string]*visitor
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数，0 表示不限制
//   - perIP: 每个 IP 每秒允许的新建连接数，0 表示不限制
//   - burst: 每个 IP 的突发连接数
func NewConnectionLimiter(maxConns int, perIP float64, burst int) *ConnectionLimiter {
	limit := rate.Limit(perIP)
	if perIP <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		perIP:    limit,
		burst:    burst,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Acquire 获取连接许可，成功时返回的 release 必须调用且只生效一次
func (l *ConnectionLimiter) Acquire(ip string) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConns > 0 && l.current >= l.maxConns {
		return nil, ErrTooManyConnections
	}

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perIP, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	if !v.limiter.AllowN(now, 1) {
		return nil, ErrConnectionRate
	}

	l.current++
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.current > 0 {
				l.current--
			}
			l.mu.Unlock()
		})
	}, nil
}

// Current 当前连接数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Cleanup 清理空闲超过 idle 的 IP 记录，返回清理数量
func (l *ConnectionLimiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Run 定期清理 IP 记录，直到 ctx 结束
func (l *ConnectionLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup(interval)
		}
	}
}
