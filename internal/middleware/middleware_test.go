package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/auth"
	"tempmail/mailcore/internal/auth/jwt"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/service"
	"tempmail/mailcore/internal/storage/memory"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newIdentityRouter(t *testing.T) (*gin.Engine, *jwt.Manager, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := auth.HashAPIKey("admin-key")
	require.NoError(t, err)
	keys := service.NewAPIKeyService(memory.NewStore(), auth.NewAPIKeyVerifier([]string{hash}), zap.NewNop())
	_, dbKey, err := keys.Create(context.Background(), service.CreateAPIKeyInput{Name: "ops"})
	require.NoError(t, err)
	manager := jwt.NewManager(testSecret, "tempmail", time.Hour)
	id := NewIdentity(manager, keys, zap.NewNop())
	admin := NewAdminAuth(keys, zap.NewNop())

	r := gin.New()
	r.Use(id.Resolve())
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, RequesterFrom(c))
	})
	r.GET("/user", id.RequireUser(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/admin", admin.RequireAdmin(), func(c *gin.Context) {
		assert.True(t, RequesterFrom(c).Admin)
		c.Status(http.StatusNoContent)
	})
	return r, manager, dbKey
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIdentity(t *testing.T) {
	r, manager, dbKey := newIdentityRouter(t)

	t.Run("JWT 用户", func(t *testing.T) {
		token, err := manager.Issue("user-1", domain.TierPremium)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := serve(r, req)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"id":"user-1"`)
		assert.Contains(t, rec.Body.String(), `"Tier":"premium"`)

		req = httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
	})

	t.Run("匿名会话", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(SessionHeader, "sess-42")
		rec := serve(r, req)
		assert.Contains(t, rec.Body.String(), `"kind":"anonymous","id":"sess-42"`)

		req = httptest.NewRequest(http.MethodGet, "/user", nil)
		req.Header.Set(SessionHeader, "sess-42")
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
	})

	t.Run("无效令牌直接拒绝", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)
	})

	t.Run("管理员 Key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

		req = httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(APIKeyHeader, "wrong")
		assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

		req = httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(APIKeyHeader, "admin-key")
		assert.Equal(t, http.StatusNoContent, serve(r, req).Code)

		req = httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(APIKeyHeader, dbKey)
		assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
	})

	t.Run("普通接口只认数据库 Key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(APIKeyHeader, dbKey)
		assert.Contains(t, serve(r, req).Body.String(), `"Admin":true`)

		// 引导 Key 不在普通接口上做 bcrypt 比较
		req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set(APIKeyHeader, "admin-key")
		assert.Contains(t, serve(r, req).Body.String(), `"Admin":false`)
	})
}

// countingVerifier 记录校验次数，只接受 good
type countingVerifier struct {
	calls int
}

func (v *countingVerifier) VerifyAdmin(_ context.Context, key string) error {
	v.calls++
	if key == "good" {
		return nil
	}
	return auth.ErrInvalidAPIKey
}

func TestAdminAuth_FailureLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := &countingVerifier{}
	admin := NewAdminAuth(v, zap.NewNop())
	r := gin.New()
	r.GET("/admin", admin.RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	call := func(key, ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set(APIKeyHeader, key)
		req.RemoteAddr = ip + ":1234"
		return serve(r, req).Code
	}

	t.Run("连续失败后拒绝且不再校验", func(t *testing.T) {
		for i := 0; i < adminFailureBurst; i++ {
			assert.Equal(t, http.StatusForbidden, call("bad", "10.0.0.1"))
		}
		before := v.calls
		assert.Equal(t, http.StatusTooManyRequests, call("good", "10.0.0.1"))
		assert.Equal(t, before, v.calls)
	})

	t.Run("其他 IP 不受影响", func(t *testing.T) {
		assert.Equal(t, http.StatusNoContent, call("good", "10.0.0.2"))
	})
}

func TestBodySizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = serve(r, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123")))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("X-Max-Body-Size"))
}

func TestRecoveryAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := monitoring.NewMetrics()
	r := gin.New()
	r.Use(RecoveryHandler(zap.NewNop(), metrics), HTTPMetrics(metrics), SecurityHeaders(), RequestLogger(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tempmail_panics_total"])
	assert.True(t, names["tempmail_http_requests_total"])
}
