package httptransport

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/filter"
	"tempmail/mailcore/internal/service"
)

// AdminHandler 管理接口：全局域名、域名校验结果与过滤规则
type AdminHandler struct {
	domains *service.DomainService
	filters *filter.Service
	log     *zap.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(domains *service.DomainService, filters *filter.Service, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		domains: domains,
		filters: filters,
		log:     log,
	}
}

type verificationRequest struct {
	Status string `json:"status" binding:"required"`
}

type domainStatusRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type filterRuleRequest struct {
	Type     string `json:"type" binding:"required"`
	Pattern  string `json:"pattern"`
	Action   string `json:"action" binding:"required"`
	Tag      string `json:"tag"`
	IsActive *bool  `json:"is_active"`
}

// ========== 域名 ==========

func (h *AdminHandler) listDomains(c *gin.Context) {
	list, err := h.domains.List(c.Request.Context(), c.Query("owner"))
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, gin.H{
		"domains": list,
		"count":   len(list),
	})
}

// addGlobalDomain godoc
// @Summary 添加全局域名
// @Description 已存在时重新启用
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-API-Key header string true "管理员 Key"
// @Param request body addDomainRequest true "域名"
// @Success 201 {object} Response{data=domain.MailDomain}
// @Router /v1/admin/domains [post]
func (h *AdminHandler) addGlobalDomain(c *gin.Context) {
	var req addDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}
	d, err := h.domains.EnsureGlobal(c.Request.Context(), req.Name)
	if err != nil {
		WriteError(c, err)
		return
	}
	Created(c, d)
}

// applyVerification 接收外部 DNS 校验结果
func (h *AdminHandler) applyVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}
	d, err := h.domains.ApplyVerification(c.Request.Context(), c.Param("name"), domain.VerificationStatus(req.Status))
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, d)
}

func (h *AdminHandler) setDomainActive(c *gin.Context) {
	var req domainStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}
	d, err := h.domains.SetActive(c.Request.Context(), c.Param("name"), *req.Active)
	if err != nil {
		WriteError(c, err)
		return
	}
	h.log.Info("domain status changed", zap.String("domain", d.Name), zap.Bool("active", d.IsActive))
	Success(c, d)
}

func (h *AdminHandler) deleteDomain(c *gin.Context) {
	if err := h.domains.Delete(c.Request.Context(), c.Param("name")); err != nil {
		WriteError(c, err)
		return
	}
	NoContent(c)
}

// ========== 过滤规则 ==========

func (h *AdminHandler) listFilters(c *gin.Context) {
	rules, err := h.filters.ListRules(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}

// addFilter godoc
// @Summary 添加过滤规则
// @Tags Admin
// @Accept json
// @Produce json
// @Param X-API-Key header string true "管理员 Key"
// @Param request body filterRuleRequest true "规则"
// @Success 201 {object} Response{data=domain.FilterRule}
// @Failure 400 {object} Response
// @Router /v1/admin/filters [post]
func (h *AdminHandler) addFilter(c *gin.Context) {
	var req filterRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule, err := h.filters.AddRule(c.Request.Context(), &domain.FilterRule{
		Type:     domain.FilterType(req.Type),
		Pattern:  req.Pattern,
		Action:   domain.FilterAction(req.Action),
		Tag:      req.Tag,
		IsActive: active,
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	Created(c, rule)
}

func (h *AdminHandler) deleteFilter(c *gin.Context) {
	if err := h.filters.DeleteRule(c.Request.Context(), c.Param("id")); err != nil {
		WriteError(c, err)
		return
	}
	NoContent(c)
}

// reloadFilters 重新读取数据库规则
func (h *AdminHandler) reloadFilters(c *gin.Context) {
	if err := h.filters.Reload(c.Request.Context()); err != nil {
		WriteError(c, err)
		return
	}
	rules, err := h.filters.ListRules(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, gin.H{"count": len(rules)})
}
