package handlers

import (
	"net/http"

	"remedy/internal/middleware"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PolicyHandler 自动化策略处理器
type PolicyHandler struct {
	policyService *services.PolicyService
	logger        *logrus.Logger
}

func NewPolicyHandler(policyService *services.PolicyService, logger *logrus.Logger) *PolicyHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &PolicyHandler{policyService: policyService, logger: logger}
}

// ListPolicies 所有分类的策略
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	policies, err := h.policyService.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to list policies", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: policies})
}

func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	policy, err := h.policyService.Get(c.Request.Context(), models.Category(c.Param("category")))
	if err != nil {
		respondError(c, h.logger, "Policy not found", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// UpdatePolicy 更新策略，只影响之后开始的处理
// @Summary 更新自动化策略
// @Tags 策略
// @Accept json
// @Produce json
// @Param category path string true "分类"
// @Param policy body services.PolicyUpdateRequest true "策略字段"
// @Success 200 {object} models.AutomationPolicy
// @Failure 400 {object} ErrorResponse
// @Router /api/policies/{category} [put]
func (h *PolicyHandler) UpdatePolicy(c *gin.Context) {
	var req services.PolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	policy, err := h.policyService.Update(c.Request.Context(), models.Category(c.Param("category")), &req, middleware.Actor(c))
	if err != nil {
		respondError(c, h.logger, "Failed to update policy", err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// RegisterPolicyRoutes 注册策略路由
func RegisterPolicyRoutes(r *gin.RouterGroup, handler *PolicyHandler) {
	policies := r.Group("/policies", middleware.RequireResourcePermission("policies"))
	{
		policies.GET("", handler.ListPolicies)
		policies.GET("/:category", handler.GetPolicy)
		policies.PUT("/:category", handler.UpdatePolicy)
	}
}
