package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/service"
)

const (
	mailboxKey = "mailbox"

	// MailboxTokenHeader 邮箱访问令牌
	MailboxTokenHeader = "X-Mailbox-Token"
)

// MailboxAuth 邮箱访问校验：令牌、所属用户或管理员
type MailboxAuth struct {
	mailboxes *service.MailboxService
	onError   func(*gin.Context, error)
	log       *zap.Logger
}

// NewMailboxAuth 创建邮箱认证中间件，onError 负责输出错误响应
func NewMailboxAuth(mailboxes *service.MailboxService, onError func(*gin.Context, error), log *zap.Logger) *MailboxAuth {
	return &MailboxAuth{
		mailboxes: mailboxes,
		onError:   onError,
		log:       log,
	}
}

// RequireMailbox 校验 addressOf 给出的邮箱，通过后写入上下文
func (ma *MailboxAuth) RequireMailbox(addressOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		address := addressOf(c)
		if address == "" {
			ma.onError(c, domain.NewError(domain.KindInvalidInput, "mailbox address is required"))
			c.Abort()
			return
		}

		mb, err := ma.mailboxes.Authorize(c.Request.Context(), address, MailboxToken(c), RequesterFrom(c))
		if err != nil {
			if domain.KindOf(err) == domain.KindForbidden {
				ma.log.Warn("mailbox access denied",
					zap.String("address", address),
					zap.String("ip", c.ClientIP()),
				)
			}
			ma.onError(c, err)
			c.Abort()
			return
		}

		c.Set(mailboxKey, mb)
		c.Next()
	}
}

// MailboxToken 从请求头或查询参数提取邮箱令牌
func MailboxToken(c *gin.Context) string {
	if token := c.GetHeader(MailboxTokenHeader); token != "" {
		return token
	}
	return c.Query("token")
}

// MailboxFrom 读取已校验的邮箱
func MailboxFrom(c *gin.Context) *domain.Mailbox {
	if v, ok := c.Get(mailboxKey); ok {
		if mb, ok := v.(*domain.Mailbox); ok {
			return mb
		}
	}
	return nil
}
