package handlers

import (
	"context"
	"net/http"

	"remedy/internal/middleware"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ApprovalHandler 审批处理器
type ApprovalHandler struct {
	approvalService *services.ApprovalService
	logger          *logrus.Logger
}

func NewApprovalHandler(approvalService *services.ApprovalService, logger *logrus.Logger) *ApprovalHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalHandler{approvalService: approvalService, logger: logger}
}

// DecisionRequest 审批意见
type DecisionRequest struct {
	Comment string `json:"comment" binding:"max=2000"`
}

// ListApprovals 审批列表
// @Summary 审批列表
// @Tags 审批
// @Produce json
// @Param status query string false "pending/approved/rejected"
// @Success 200 {object} PaginatedResponse{data=[]models.ApprovalRequest}
// @Router /api/approvals [get]
func (h *ApprovalHandler) ListApprovals(c *gin.Context) {
	var req services.ApprovalListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}
	approvals, total, err := h.approvalService.List(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list approvals", err)
		return
	}
	c.JSON(http.StatusOK, paginated(approvals, total, req.Page, req.PageSize))
}

func (h *ApprovalHandler) GetApproval(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	approval, err := h.approvalService.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Approval not found", err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// Approve 批准
func (h *ApprovalHandler) Approve(c *gin.Context) {
	h.decide(c, h.approvalService.Approve)
}

// Reject 驳回
func (h *ApprovalHandler) Reject(c *gin.Context) {
	h.decide(c, h.approvalService.Reject)
}

func (h *ApprovalHandler) decide(c *gin.Context, fn func(ctx context.Context, id uint, actor, comment string) (*models.ApprovalRequest, error)) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req DecisionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request body",
				Message: err.Error(),
			})
			return
		}
	}
	approval, err := fn(c.Request.Context(), id, middleware.Actor(c), req.Comment)
	if err != nil {
		respondError(c, h.logger, "Failed to record decision", err)
		return
	}
	c.JSON(http.StatusOK, approval)
}

// RegisterApprovalRoutes 注册审批路由
func RegisterApprovalRoutes(r *gin.RouterGroup, handler *ApprovalHandler) {
	approvals := r.Group("/approvals", middleware.RequireResourcePermission("approvals"))
	{
		approvals.GET("", handler.ListApprovals)
		approvals.GET("/:id", handler.GetApproval)
		approvals.POST("/:id/approve", handler.Approve)
		approvals.POST("/:id/reject", handler.Reject)
	}
}
