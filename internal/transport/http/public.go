package httptransport

import (
	"github.com/gin-gonic/gin"

	"tempmail/mailcore/internal/middleware"
	"tempmail/mailcore/internal/service"
)

// DomainHandler 域名查询与自定义域名登记
type DomainHandler struct {
	domains *service.DomainService
}

// NewDomainHandler 创建域名处理器
func NewDomainHandler(domains *service.DomainService) *DomainHandler {
	return &DomainHandler{domains: domains}
}

type addDomainRequest struct {
	Name string `json:"name" binding:"required"`
}

// listPublic godoc
// @Summary 获取可用域名列表
// @Description 返回所有已启用的全局域名（公开接口，无需认证）
// @Tags Public
// @Produce json
// @Success 200 {object} Response{data=object{domains=[]string,count=int}}
// @Router /v1/domains [get]
func (h *DomainHandler) listPublic(c *gin.Context) {
	names, err := h.domains.ListPublic(c.Request.Context())
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, gin.H{
		"domains": names,
		"count":   len(names),
	})
}

// listOwned 返回当前用户登记的自定义域名
func (h *DomainHandler) listOwned(c *gin.Context) {
	requester := middleware.RequesterFrom(c)
	list, err := h.domains.List(c.Request.Context(), requester.Owner.ID)
	if err != nil {
		WriteError(c, err)
		return
	}
	Success(c, gin.H{
		"domains": list,
		"count":   len(list),
	})
}

// addCustom godoc
// @Summary 登记自定义域名
// @Description 高级用户登记域名，返回 MX 记录与校验令牌，校验通过前不能创建邮箱
// @Tags Domains
// @Accept json
// @Produce json
// @Param request body addDomainRequest true "域名"
// @Success 201 {object} Response{data=domain.MailDomain}
// @Failure 403 {object} Response
// @Failure 409 {object} Response
// @Router /v1/domains [post]
func (h *DomainHandler) addCustom(c *gin.Context) {
	var req addDomainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "请求参数格式错误")
		return
	}

	d, err := h.domains.AddCustom(c.Request.Context(), middleware.RequesterFrom(c), req.Name)
	if err != nil {
		WriteError(c, err)
		return
	}
	Created(c, d)
}
