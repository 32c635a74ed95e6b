package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "tempmail/mailcore/internal/auth/jwt"
	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/filter"
	"tempmail/mailcore/internal/health"
	"tempmail/mailcore/internal/middleware"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/notifier"
	"tempmail/mailcore/internal/service"
	"tempmail/mailcore/internal/websocket"
)

// Handler 聚合邮箱与邮件相关的 HTTP 处理逻辑。
type Handler struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
	notifier  *notifier.Notifier
	stream    *websocket.Handler
	log       *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Mailboxes *service.MailboxService
	Messages  *service.MessageService
	Domains   *service.DomainService
	Filters   *filter.Service
	Notifier  *notifier.Notifier
	JWT       *jwtpkg.Manager
	AdminAuth *middleware.AdminAuth // 为空时按 APIKeys 新建
	APIKeys   *service.APIKeyService
	Metrics   *monitoring.Metrics
	Health    *health.Checker
	Logger    *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.RecoveryHandler(log, deps.Metrics))
	router.Use(middleware.HTTPMetrics(deps.Metrics))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins: deps.Config.CORS.AllowedOrigins,
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.MailboxTokenHeader, middleware.SessionHeader, middleware.APIKeyHeader,
		},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", middleware.SessionHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowAllOrigins = true
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		mailboxes: deps.Mailboxes,
		messages:  deps.Messages,
		notifier:  deps.Notifier,
		stream:    websocket.NewHandler(deps.Notifier, deps.Config.CORS.AllowedOrigins, log),
		log:       log,
	}
	domainHandler := NewDomainHandler(deps.Domains)
	adminHandler := NewAdminHandler(deps.Domains, deps.Filters, log)

	apiKeyHandler := NewAPIKeyHandler(deps.APIKeys)

	identity := middleware.NewIdentity(deps.JWT, deps.APIKeys, log)
	mailboxAuth := middleware.NewMailboxAuth(deps.Mailboxes, WriteError, log)
	adminAuth := deps.AdminAuth
	if adminAuth == nil {
		adminAuth = middleware.NewAdminAuth(deps.APIKeys, log)
	}

	byPath := func(c *gin.Context) string { return c.Param("address") }
	byQuery := func(c *gin.Context) string { return c.Query("mailbox") }

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			status, ok := deps.Health.Status()
			code := http.StatusOK
			if !ok {
				code = http.StatusServiceUnavailable
			}
			c.JSON(code, status)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	v1 := router.Group("/v1")
	v1.Use(identity.Resolve())
	{
		mailboxes := v1.Group("/mailboxes")
		{
			mailboxes.POST("", handler.createMailbox)
			mailboxes.GET("/:address", mailboxAuth.RequireMailbox(byPath), handler.getMailbox)
			mailboxes.DELETE("/:address", handler.releaseMailbox)
			mailboxes.GET("/:address/ws", mailboxAuth.RequireMailbox(byPath), handler.streamWebSocket)
			mailboxes.GET("/:address/events", mailboxAuth.RequireMailbox(byPath), handler.streamEvents)
		}

		messages := v1.Group("/messages", mailboxAuth.RequireMailbox(byQuery))
		{
			messages.GET("", handler.listMessages)
			messages.GET("/:id", handler.getMessage)
			messages.POST("/:id/read", handler.markMessageRead)
			messages.DELETE("/:id", handler.deleteMessage)
			messages.GET("/:id/raw", handler.getRawMessage)
			messages.GET("/:id/attachments/:attachmentId", handler.downloadAttachment)
		}

		domains := v1.Group("/domains")
		{
			domains.GET("", domainHandler.listPublic)
			domains.GET("/mine", identity.RequireUser(), domainHandler.listOwned)
			domains.POST("", identity.RequireUser(), domainHandler.addCustom)
		}

		admin := v1.Group("/admin", adminAuth.RequireAdmin())
		{
			admin.GET("/domains", adminHandler.listDomains)
			admin.POST("/domains", adminHandler.addGlobalDomain)
			admin.POST("/domains/:name/verification", adminHandler.applyVerification)
			admin.POST("/domains/:name/status", adminHandler.setDomainActive)
			admin.DELETE("/domains/:name", adminHandler.deleteDomain)

			admin.GET("/filters", adminHandler.listFilters)
			admin.POST("/filters", adminHandler.addFilter)
			admin.POST("/filters/reload", adminHandler.reloadFilters)
			admin.DELETE("/filters/:id", adminHandler.deleteFilter)

			admin.GET("/keys", apiKeyHandler.listAPIKeys)
			admin.POST("/keys", apiKeyHandler.createAPIKey)
			admin.DELETE("/keys/:id", apiKeyHandler.revokeAPIKey)
		}
	}

	return router
}
