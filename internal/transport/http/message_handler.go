package httptransport

import (
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/middleware"
)

type attachmentResponse struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type messageResponse struct {
	ID          string               `json:"id"`
	Mailbox     string               `json:"mailbox"`
	From        string               `json:"from"`
	To          string               `json:"to"`
	Subject     string               `json:"subject"`
	Text        string               `json:"text,omitempty"`
	HTML        string               `json:"html,omitempty"`
	Headers     domain.Headers       `json:"headers,omitempty"`
	Attachments []attachmentResponse `json:"attachments"`
	Tags        []string             `json:"tags"`
	Size        int64                `json:"size"`
	HasRaw      bool                 `json:"has_raw"`
	IsRead      bool                 `json:"is_read"`
	ReceivedAt  time.Time            `json:"received_at"`
	Cursor      string               `json:"cursor"`
}

type messageListResponse struct {
	Messages   []messageResponse `json:"messages"`
	NextCursor string            `json:"next_cursor"`
	Count      int               `json:"count"`
}

// toMessageResponse 列表中不带正文与邮件头
func toMessageResponse(msg *domain.Message, full bool) messageResponse {
	resp := messageResponse{
		ID:          msg.ID,
		Mailbox:     msg.MailboxAddress,
		From:        msg.From,
		To:          msg.To,
		Subject:     msg.Subject,
		Attachments: make([]attachmentResponse, 0, len(msg.Attachments)),
		Tags:        msg.Tags,
		Size:        msg.Size,
		HasRaw:      msg.HasRaw,
		IsRead:      msg.IsRead,
		ReceivedAt:  msg.ReceivedAt,
		Cursor:      msg.Cursor(),
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	for _, att := range msg.Attachments {
		resp.Attachments = append(resp.Attachments, attachmentResponse{
			ID:          att.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        att.Size,
		})
	}
	if full {
		resp.Text = msg.Text
		resp.HTML = msg.HTML
		resp.Headers = msg.Headers
	}
	return resp
}

// listMessages godoc
// @Summary 获取邮件列表
// @Description 按到达时间倒序返回；携带 since 时只返回游标之后的新邮件
// @Tags Messages
// @Produce json
// @Param mailbox query string true "邮箱地址"
// @Param since query string false "上次返回的 next_cursor"
// @Param limit query int false "条数，默认 50，最大 200"
// @Success 200 {object} Response{data=messageListResponse}
// @Router /v1/messages [get]
func (h *Handler) listMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(c, "limit 必须为非负整数")
			return
		}
		limit = n
	}

	mb := middleware.MailboxFrom(c)
	result, err := h.messages.List(c.Request.Context(), mb.Address, c.Query("since"), limit)
	if err != nil {
		WriteError(c, err)
		return
	}

	items := make([]messageResponse, 0, len(result.Messages))
	for _, msg := range result.Messages {
		items = append(items, toMessageResponse(msg, false))
	}
	Success(c, messageListResponse{
		Messages:   items,
		NextCursor: result.NextCursor,
		Count:      len(items),
	})
}

// getMessage godoc
// @Summary 获取邮件详情
// @Tags Messages
// @Produce json
// @Param id path string true "邮件ID"
// @Param mailbox query string true "邮箱地址"
// @Success 200 {object} Response{data=messageResponse}
// @Failure 404 {object} Response
// @Router /v1/messages/{id} [get]
func (h *Handler) getMessage(c *gin.Context) {
	msg, err := h.messages.Get(c.Request.Context(), middleware.MailboxFrom(c).Address, c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, toMessageResponse(msg, true))
}

func (h *Handler) markMessageRead(c *gin.Context) {
	if err := h.messages.MarkRead(c.Request.Context(), middleware.MailboxFrom(c).Address, c.Param("id")); err != nil {
		WriteError(c, err)
		return
	}
	NoContent(c)
}

func (h *Handler) deleteMessage(c *gin.Context) {
	if err := h.messages.Delete(c.Request.Context(), middleware.MailboxFrom(c).Address, c.Param("id")); err != nil {
		WriteError(c, err)
		return
	}
	NoContent(c)
}

// getRawMessage 返回 RFC 5322 原文
func (h *Handler) getRawMessage(c *gin.Context) {
	id := c.Param("id")
	raw, err := h.messages.GetRaw(c.Request.Context(), middleware.MailboxFrom(c).Address, id)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": id + ".eml"}))
	c.Data(http.StatusOK, "message/rfc822", raw)
}

// downloadAttachment godoc
// @Summary 下载附件
// @Tags Messages
// @Produce octet-stream
// @Param id path string true "邮件ID"
// @Param attachmentId path string true "附件ID"
// @Param mailbox query string true "邮箱地址"
// @Success 200 {file} binary
// @Failure 404 {object} Response
// @Router /v1/messages/{id}/attachments/{attachmentId} [get]
func (h *Handler) downloadAttachment(c *gin.Context) {
	att, content, err := h.messages.GetAttachment(c.Request.Context(),
		middleware.MailboxFrom(c).Address, c.Param("id"), c.Param("attachmentId"))
	if err != nil {
		WriteError(c, err)
		return
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": att.Filename})
	if disposition == "" {
		disposition = fmt.Sprintf("attachment; filename=%q", att.ID)
	}
	c.Header("Content-Disposition", disposition)
	c.Data(http.StatusOK, contentType, content)
}
