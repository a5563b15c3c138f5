package handlers

import (
	"net/http"

	"remedy/internal/middleware"
	"remedy/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditHandler 审计日志查询
type AuditHandler struct {
	auditService *services.AuditService
	hub          *services.AuditStreamHub
	logger       *logrus.Logger
}

func NewAuditHandler(auditService *services.AuditService, hub *services.AuditStreamHub, logger *logrus.Logger) *AuditHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AuditHandler{auditService: auditService, hub: hub, logger: logger}
}

func (h *AuditHandler) ListAudit(c *gin.Context) {
	var req services.AuditListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid query parameters",
			Message: err.Error(),
		})
		return
	}
	entries, total, err := h.auditService.List(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "Failed to list audit log", err)
		return
	}
	c.JSON(http.StatusOK, paginated(entries, total, req.Page, req.PageSize))
}

// StreamStats 当前订阅审计流的连接数
func (h *AuditHandler) StreamStats(c *gin.Context) {
	clients := 0
	if h.hub != nil {
		clients = h.hub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{"clients": clients})
}

// RegisterAuditRoutes 注册审计路由
func RegisterAuditRoutes(r *gin.RouterGroup, handler *AuditHandler) {
	audit := r.Group("/audit", middleware.RequireResourcePermission("audit"))
	{
		audit.GET("", handler.ListAudit)
		audit.GET("/stream/stats", handler.StreamStats)
	}
}

// RegisterAuditStreamRoute mounts the websocket stream under /ws/audit.
func RegisterAuditStreamRoute(r *gin.RouterGroup, handler *AuditHandler) {
	if handler.hub == nil {
		return
	}
	r.GET("/ws/audit", middleware.RequireResourcePermission("audit"), handler.hub.HandleWebSocket)
}
