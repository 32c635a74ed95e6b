package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/auth/jwt"
	"tempmail/mailcore/internal/domain"
)

const (
	requesterKey = "requester"

	// SessionHeader 匿名会话标识
	SessionHeader = "X-Session-ID"
	// APIKeyHeader 管理员 Key
	APIKeyHeader = "X-API-Key"
)

// KeyLookup 按摘要查找数据库中的管理员 Key
type KeyLookup interface {
	Lookup(ctx context.Context, key string) (*domain.APIKey, error)
}

// Identity 识别请求主体：JWT 用户、匿名会话或管理员
type Identity struct {
	jwtManager *jwt.Manager
	adminKeys  KeyLookup
	log        *zap.Logger
}

// NewIdentity 创建身份识别中间件，adminKeys 可为 nil
func NewIdentity(jwtManager *jwt.Manager, adminKeys KeyLookup, log *zap.Logger) *Identity {
	return &Identity{
		jwtManager: jwtManager,
		adminKeys:  adminKeys,
		log:        log,
	}
}

// Resolve 解析请求主体并写入上下文
//
// 携带无效的 Bearer 令牌时直接返回 401，不降级为匿名；
// 没有令牌时使用 X-Session-ID 作为匿名会话，缺失时留空由处理器决定。
func (id *Identity) Resolve() gin.HandlerFunc {
	return func(c *gin.Context) {
		requester := domain.Requester{Tier: domain.TierAnonymous, IP: c.ClientIP()}

		if token := bearerToken(c); token != "" {
			claims, err := id.jwtManager.Validate(token)
			if err != nil {
				id.log.Warn("invalid token",
					zap.String("error", err.Error()),
					zap.String("ip", c.ClientIP()),
				)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"code": http.StatusUnauthorized,
					"msg":  "invalid or expired token",
				})
				return
			}
			requester = claims.Requester(c.ClientIP())
		} else if session := strings.TrimSpace(c.GetHeader(SessionHeader)); session != "" {
			requester.Owner = domain.Owner{Kind: domain.OwnerAnonymous, ID: session}
		}

		// 这里只查数据库 Key，bcrypt 引导 Key 只在管理接口上校验
		if key := c.GetHeader(APIKeyHeader); key != "" && id.adminKeys != nil {
			if _, err := id.adminKeys.Lookup(c.Request.Context(), key); err == nil {
				requester.Admin = true
			}
		}

		c.Set(requesterKey, requester)
		c.Next()
	}
}

// RequireUser 要求 JWT 用户身份
func (id *Identity) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		r := RequesterFrom(c)
		if r.Owner.Kind != domain.OwnerUser {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "authentication required",
			})
			return
		}
		c.Next()
	}
}

// RequesterFrom 读取上下文中的请求主体
func RequesterFrom(c *gin.Context) domain.Requester {
	if v, ok := c.Get(requesterKey); ok {
		if r, ok := v.(domain.Requester); ok {
			return r
		}
	}
	return domain.Requester{Tier: domain.TierAnonymous, IP: c.ClientIP()}
}

// SetRequester 替换上下文中的请求主体
func SetRequester(c *gin.Context, r domain.Requester) {
	c.Set(requesterKey, r)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
