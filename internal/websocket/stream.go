// Package websocket 通过 WebSocket 向客户端推送新邮件事件。
package websocket

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/notifier"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 512
)

// CloseFrame 订阅关闭时发给客户端的最后一帧
type CloseFrame struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// Handler 将通知订阅桥接到 WebSocket 连接
type Handler struct {
	notifier *notifier.Notifier
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler 创建处理器
//
// 参数:
//   - n: 通知订阅管理器
//   - allowedOrigins: 允许的 Origin 列表，为空或包含 "*" 时允许所有来源
//   - log: 日志器
func NewHandler(n *notifier.Notifier, allowedOrigins []string, log *zap.Logger) *Handler {
	return &Handler{
		notifier: n,
		upgrader: upgraderFactory(allowedOrigins),
		log:      log,
	}
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			// 非浏览器客户端不带 Origin
			return origin == "" || allowed[origin]
		},
	}
}

// Serve 升级连接并推送 address 的新邮件事件，调用方负责鉴权
func (h *Handler) Serve(c *gin.Context, address string) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.notifier.Subscribe(ctx, address)
	if err != nil {
		c.JSON(http.StatusGone, gin.H{"code": http.StatusGone, "msg": "mailbox is no longer available"})
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection",
			zap.Error(err),
			zap.String("origin", c.Request.Header.Get("Origin")),
			zap.String("remote_addr", c.ClientIP()),
		)
		return
	}
	defer conn.Close()

	heartbeat := h.notifier.Heartbeat()
	go h.readPump(conn, heartbeat, cancel)
	h.writePump(conn, sub, heartbeat)
}

// readPump 只处理控制帧，连接断开时取消订阅
func (h *Handler) readPump(conn *websocket.Conn, heartbeat time.Duration, cancel context.CancelFunc) {
	defer cancel()

	pongWait := heartbeat * 2
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *notifier.Subscription, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}

		case <-sub.Done():
			h.closeWith(conn, sub.Err())
			return

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, reason error) {
	frame := CloseFrame{Event: "closed", Reason: "closed"}
	code := websocket.CloseNormalClosure
	switch {
	case errors.Is(reason, notifier.ErrMailboxGone):
		frame = CloseFrame{Event: "mailbox_gone", Reason: "mailbox expired or released"}
		code = websocket.CloseGoingAway
	case errors.Is(reason, notifier.ErrSlowConsumer):
		frame.Reason = "too slow"
		code = websocket.ClosePolicyViolation
	case errors.Is(reason, notifier.ErrShutdown):
		frame.Reason = "server shutting down"
		code = websocket.CloseGoingAway
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(frame)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, frame.Reason))
}
