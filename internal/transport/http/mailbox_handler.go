package httptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/middleware"
	"tempmail/mailcore/internal/notifier"
	"tempmail/mailcore/internal/service"
)

type createMailboxRequest struct {
	Domain    string `json:"domain"`
	LocalPart string `json:"localpart"`
}

type mintResponse struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
	Token     string    `json:"token"`
	Session   string    `json:"session,omitempty"`
	Tier      string    `json:"tier"`
}

type mailboxResponse struct {
	Address   string    `json:"address"`
	Domain    string    `json:"domain"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	TTL       int64     `json:"ttl_seconds"`
}

func toMailboxResponse(mb *domain.Mailbox, now time.Time) mailboxResponse {
	ttl := int64(mb.ExpiresAt.Sub(now).Seconds())
	if ttl < 0 {
		ttl = 0
	}
	return mailboxResponse{
		Address:   mb.Address,
		Domain:    mb.Domain,
		Tier:      string(mb.Tier),
		CreatedAt: mb.CreatedAt,
		ExpiresAt: mb.ExpiresAt,
		TTL:       ttl,
	}
}

// createMailbox godoc
// @Summary 创建临时邮箱
// @Description 匿名请求没有 X-Session-ID 时自动生成会话并在响应中返回
// @Tags Mailboxes
// @Accept json
// @Produce json
// @Param request body createMailboxRequest false "邮箱参数"
// @Success 201 {object} Response{data=mintResponse}
// @Failure 409 {object} Response
// @Failure 422 {object} Response
// @Failure 429 {object} Response
// @Router /v1/mailboxes [post]
func (h *Handler) createMailbox(c *gin.Context) {
	var req createMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(c, "请求参数格式错误")
		return
	}

	requester := middleware.RequesterFrom(c)
	session := ""
	if requester.Owner.IsZero() {
		session = uuid.NewString()
		requester.Owner = domain.Owner{Kind: domain.OwnerAnonymous, ID: session}
		c.Header(middleware.SessionHeader, session)
	} else if requester.Owner.Kind == domain.OwnerAnonymous {
		session = requester.Owner.ID
	}

	mb, err := h.mailboxes.Mint(c.Request.Context(), service.MintInput{
		Domain:    req.Domain,
		LocalPart: req.LocalPart,
		Owner:     requester.Owner,
		Tier:      requester.Tier,
		IP:        requester.IP,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	Created(c, mintResponse{
		Address:   mb.Address,
		ExpiresAt: mb.ExpiresAt,
		Token:     mb.Token,
		Session:   session,
		Tier:      string(mb.Tier),
	})
}

// getMailbox godoc
// @Summary 获取邮箱详情
// @Tags Mailboxes
// @Produce json
// @Param address path string true "邮箱地址"
// @Success 200 {object} Response{data=mailboxResponse}
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Router /v1/mailboxes/{address} [get]
func (h *Handler) getMailbox(c *gin.Context) {
	Success(c, toMailboxResponse(middleware.MailboxFrom(c), h.mailboxes.Now()))
}

// releaseMailbox godoc
// @Summary 释放邮箱
// @Description 删除邮箱及其全部邮件，只有所有者或管理员可以操作
// @Tags Mailboxes
// @Param address path string true "邮箱地址"
// @Success 204
// @Failure 403 {object} Response
// @Failure 404 {object} Response
// @Router /v1/mailboxes/{address} [delete]
func (h *Handler) releaseMailbox(c *gin.Context) {
	if err := h.mailboxes.Release(c.Request.Context(), c.Param("address"), middleware.RequesterFrom(c)); err != nil {
		WriteError(c, err)
		return
	}
	NoContent(c)
}

func (h *Handler) streamWebSocket(c *gin.Context) {
	h.stream.Serve(c, middleware.MailboxFrom(c).Address)
}

// streamEvents 以 SSE 推送新邮件事件，帧内容与 WebSocket 相同
func (h *Handler) streamEvents(c *gin.Context) {
	mb := middleware.MailboxFrom(c)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.notifier.Subscribe(ctx, mb.Address)
	if err != nil {
		WriteError(c, domain.WrapError(domain.KindMailboxExpired, "mailbox is no longer available", err))
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.notifier.Heartbeat())
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-sub.Events():
			c.SSEvent(ev.Event, ev)
			return true
		case <-sub.Done():
			event, reason := closeEvent(sub.Err())
			c.SSEvent(event, gin.H{"event": event, "reason": reason})
			return false
		case <-heartbeat.C:
			_, err := fmt.Fprint(w, ": ping\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})
	h.log.Debug("event stream closed", zap.String("address", mb.Address))
}

func closeEvent(reason error) (string, string) {
	switch {
	case errors.Is(reason, notifier.ErrMailboxGone):
		return "mailbox_gone", "mailbox expired or released"
	case errors.Is(reason, notifier.ErrSlowConsumer):
		return "closed", "too slow"
	case errors.Is(reason, notifier.ErrShutdown):
		return "closed", "server shutting down"
	}
	return "closed", "closed"
}
