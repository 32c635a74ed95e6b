package middleware

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempmail/mailcore/internal/auth"
	"tempmail/mailcore/internal/cache"
)

const (
	// 每个 IP 连续失败 10 次后每 6 秒才允许再试一次
	adminFailureBurst = 10
	adminFailureEvery = 6 * time.Second
	adminLimiterIdle  = 10 * time.Minute
)

// AdminVerifier 校验管理员 Key
type AdminVerifier interface {
	VerifyAdmin(ctx context.Context, key string) error
}

// AdminAuth 管理接口鉴权
type AdminAuth struct {
	keys AdminVerifier
	log  *zap.Logger

	mu       sync.Mutex
	failures *cache.LocalCache[*rate.Limiter]
}

// NewAdminAuth 创建管理员权限中间件
func NewAdminAuth(keys AdminVerifier, log *zap.Logger) *AdminAuth {
	return &AdminAuth{
		keys:     keys,
		log:      log,
		failures: cache.NewLocalCache[*rate.Limiter](adminLimiterIdle),
	}
}

// RequireAdmin 要求 X-API-Key 为有效的数据库 Key 或配置中的引导 Key
//
// 同一 IP 失败过多时直接返回 429，不再做哈希比较。
func (a *AdminAuth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "missing API key",
			})
			return
		}

		ip := c.ClientIP()
		limiter := a.limiter(ip)
		if limiter.Tokens() < 1 {
			c.Header("Retry-After", "6")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many failed attempts",
				"kind": "quota_exceeded",
			})
			return
		}

		if err := a.keys.VerifyAdmin(c.Request.Context(), key); err != nil {
			if !errors.Is(err, auth.ErrInvalidAPIKey) {
				a.log.Error("admin key check failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"code": http.StatusServiceUnavailable,
					"msg":  "service temporarily unavailable",
					"kind": "store_unavailable",
				})
				return
			}
			limiter.Allow()
			a.log.Warn("admin key rejected", zap.String("ip", ip))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "admin access required",
				"kind": "forbidden",
			})
			return
		}

		r := RequesterFrom(c)
		r.Admin = true
		SetRequester(c, r)
		c.Next()
	}
}

// Run 定期清理空闲 IP 的失败计数，直到 ctx 结束
func (a *AdminAuth) Run(ctx context.Context) {
	a.failures.Run(ctx, adminLimiterIdle)
}

func (a *AdminAuth) limiter(ip string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.failures.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(adminFailureEvery), adminFailureBurst)
	a.failures.Set(ip, l, 0)
	return l
}
