package handlers

import (
	"net/http"
	"strconv"
	"time"

	"remedy/internal/middleware"
	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单处理器
type TicketHandler struct {
	ticketService *services.TicketService
	auditService  *services.AuditService
	logger        *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(ticketService *services.TicketService, auditService *services.AuditService, logger *logrus.Logger) *TicketHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &TicketHandler{
		ticketService: ticketService,
		auditService:  auditService,
		logger:        logger,
	}
}

// CloseTicketRequest 关闭工单请求
type CloseTicketRequest struct {
	Reason string `json:"reason"`
}

// CreateTicket 创建工单
// @Summary 创建工单
// @Description 提交工单并进入自动修复队列
// @Tags 工单
// @Accept json
// @Produce json
// @Param ticket body services.TicketCreateRequest true "工单信息"
// @Success 201 {object} models.Ticket
// @Failure 400 {object} ErrorResponse
// @Router /api/tickets [post]
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.TicketCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	ticket, err := h.ticketService.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to create ticket", err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// ListTickets 获取工单列表
// @Summary 获取工单列表
// @Tags 工单
// @Produce json
// @Param status query []string false "状态过滤"
// @Param category query []string false "分类过滤"
// @Success 200 {object} PaginatedResponse{data=[]models.Ticket}
// @Router /api/tickets [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	var req services.TicketListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}

	tickets, total, err := h.ticketService.ListTickets(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list tickets", err)
		return
	}
	c.JSON(http.StatusOK, paginated(tickets, total, req.Page, req.PageSize))
}

// GetTicket 获取工单详情
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ticket, err := h.ticketService.GetTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Ticket not found", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// CloseTicket 关闭工单，进行中的自动化会被取消
// @Summary 关闭工单
// @Tags 工单
// @Accept json
// @Produce json
// @Param id path int true "工单ID"
// @Success 200 {object} models.Ticket
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/tickets/{id}/close [post]
func (h *TicketHandler) CloseTicket(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req CloseTicketRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid request body",
				Message: err.Error(),
			})
			return
		}
	}

	ticket, err := h.ticketService.CloseTicket(c.Request.Context(), id, middleware.Actor(c), req.Reason)
	if err != nil {
		respondError(c, h.logger, "Failed to close ticket", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// RetryExecution 人工重跑失败工单的修复方案
// @Summary 重跑失败的执行
// @Tags 工单
// @Produce json
// @Param id path int true "工单ID"
// @Success 200 {object} models.Ticket
// @Failure 409 {object} ErrorResponse
// @Router /api/tickets/{id}/retry [post]
func (h *TicketHandler) RetryExecution(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ticket, err := h.ticketService.RetryExecution(c.Request.Context(), id, middleware.Actor(c))
	if err != nil {
		respondError(c, h.logger, "Failed to retry execution", err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// ListExecutions 工单的执行记录
func (h *TicketHandler) ListExecutions(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	executions, err := h.ticketService.ListExecutions(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: executions})
}

// GetTicketAudit 工单审计轨迹（按时间顺序）
func (h *TicketHandler) GetTicketAudit(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if _, err := h.ticketService.GetTicket(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "Ticket not found", err)
		return
	}
	entries, err := h.auditService.ForTicket(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "Failed to load audit trail", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: entries})
}

// GetStats 工单统计
func (h *TicketHandler) GetStats(c *gin.Context) {
	stats, err := h.ticketService.Stats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "Failed to load stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetPerformance 解决时长与各分类成功率；days 默认 30
func (h *TicketHandler) GetPerformance(c *gin.Context) {
	days := 30
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Invalid days",
				Message: "days must be between 1 and 365",
			})
			return
		}
		days = n
	}
	report, err := h.ticketService.Performance(c.Request.Context(), time.Now().AddDate(0, 0, -days))
	if err != nil {
		respondError(c, h.logger, "Failed to load performance", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RegisterTicketRoutes 注册工单路由
func RegisterTicketRoutes(r *gin.RouterGroup, handler *TicketHandler, intake gin.HandlerFunc) {
	tickets := r.Group("/tickets", middleware.RequireResourcePermission("tickets"))
	{
		tickets.POST("", intake, handler.CreateTicket)
		tickets.GET("", handler.ListTickets)
		tickets.GET("/stats", handler.GetStats)
		tickets.GET("/performance", handler.GetPerformance)
		tickets.GET("/:id", handler.GetTicket)
		tickets.POST("/:id/close", handler.CloseTicket)
		tickets.GET("/:id/executions", handler.ListExecutions)
		tickets.GET("/:id/audit", handler.GetTicketAudit)
	}
	// 重跑属于审批人的决定，不要求 tickets.write
	r.POST("/tickets/:id/retry", middleware.RequirePermissionsAny("approvals.write"), handler.RetryExecution)
}
