package httptransport

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tempmail/mailcore/internal/domain"
)

// 错误类别 -> HTTP 状态码与提示信息
var errorStatus = map[domain.ErrorKind]struct {
	status int
	msg    string
}{
	domain.KindNotFound:          {http.StatusNotFound, "资源不存在"},
	domain.KindRecipientUnknown:  {http.StatusNotFound, "邮箱不存在"},
	domain.KindAddressTaken:      {http.StatusConflict, "邮箱地址已被占用"},
	domain.KindAddressExhausted:  {http.StatusConflict, "没有可用的邮箱地址，请稍后重试"},
	domain.KindQuotaExceeded:     {http.StatusTooManyRequests, "超出配额限制"},
	domain.KindDomainUnavailable: {http.StatusUnprocessableEntity, "域名不可用"},
	domain.KindMailboxExpired:    {http.StatusGone, "邮箱已过期"},
	domain.KindForbidden:         {http.StatusForbidden, "权限不足"},
	domain.KindInvalidInput:      {http.StatusBadRequest, "请求参数错误"},
	domain.KindFilterRejected:    {http.StatusUnprocessableEntity, "邮件被过滤规则拒绝"},
	domain.KindStoreUnavailable:  {http.StatusServiceUnavailable, "存储暂时不可用，请稍后重试"},
}

// StatusOf 返回错误对应的 HTTP 状态码，未知错误为 500
func StatusOf(err error) int {
	if m, ok := errorStatus[domain.KindOf(err)]; ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// WriteError 输出业务错误，配额错误附带 Retry-After
func WriteError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	m, ok := errorStatus[kind]
	if !ok {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, Response{
			Code: http.StatusInternalServerError,
			Msg:  "服务器内部错误",
		})
		return
	}

	if kind == domain.KindQuotaExceeded {
		if wait := domain.RetryAfterOf(err); wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
	}
	if m.status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	msg := m.msg
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		msg = m.msg + ": " + de.Message
	}
	c.JSON(m.status, Response{
		Code: m.status,
		Msg:  msg,
		Kind: string(kind),
	})
}
