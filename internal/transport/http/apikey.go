package httptransport

import (
	"time"

	"github.com/gin-gonic/gin"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/service"
)

// APIKeyHandler 管理员 Key 管理
type APIKeyHandler struct {
	keys *service.APIKeyService
}

// NewAPIKeyHandler 创建 Key 管理处理器
func NewAPIKeyHandler(keys *service.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

type createAPIKeyRequest struct {
	Name      string `json:"name" binding:"required"`
	ExpiresIn string `json:"expiresIn,omitempty"` // 如 "720h"
}

// apiKeyResponse 只有创建时带明文 key
type apiKeyResponse struct {
	ID         string     `json:"id"`
	Key        string     `json:"key,omitempty"`
	KeyPrefix  string     `json:"keyPrefix"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"isActive"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func toAPIKeyResponse(k *domain.APIKey, plain string) apiKeyResponse {
	return apiKeyResponse{
		ID:         k.ID,
		Key:        plain,
		KeyPrefix:  k.KeyPrefix,
		Name:       k.Name,
		IsActive:   k.IsActive,
		CreatedAt:  k.CreatedAt,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
	}
}

// createAPIKey godoc
// @Summary 创建管理员 Key
// @Description 明文 Key 只在本次响应中返回
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-API-Key header string true "管理员 Key"
// @Param request body createAPIKeyRequest true "Key 参数"
// @Success 201 {object} Response{data=apiKeyResponse}
// @Router /v1/admin/keys [post]
func (h *APIKeyHandler) createAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			BadRequest(c, "过期时间格式错误")
			return
		}
		expiresIn = &d
	}

	key, plain, err := h.keys.Create(c.Request.Context(), service.CreateAPIKeyInput{
		Name:      req.Name,
		ExpiresIn: expiresIn,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	Created(c, toAPIKeyResponse(key, plain))
}

func (h *APIKeyHandler) listAPIKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	items := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		items = append(items, toAPIKeyResponse(k, ""))
	}
	Success(c, gin.H{
		"items": items,
		"count": len(items),
	})
}

func (h *APIKeyHandler) revokeAPIKey(c *gin.Context) {
	key, err := h.keys.Revoke(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, toAPIKeyResponse(key, ""))
}
