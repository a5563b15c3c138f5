package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"remedy/internal/config"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// HealthHandler 健康检查处理器
type HealthHandler struct {
	db         *gorm.DB
	automation *config.AutomationSwitch
	version    string
	started    time.Time
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(db *gorm.DB, automation *config.AutomationSwitch, version string) *HealthHandler {
	return &HealthHandler{db: db, automation: automation, version: version, started: time.Now()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

// Health 健康检查端点；数据库不可用时为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Services:  make(map[string]ServiceInfo),
		System: SystemInfo{
			Uptime:    time.Since(h.started).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}

	db := h.checkDatabase(ctx)
	response.Services["database"] = db
	if db.Status != "healthy" {
		response.Status = "degraded"
	}

	automation := "enabled"
	if h.automation != nil && !h.automation.Enabled() {
		automation = "disabled"
	}
	response.Services["automation"] = ServiceInfo{Status: automation}

	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	db := h.checkDatabase(ctx)
	ready := db.Status == "healthy"
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now().UTC(),
		"services":  gin.H{"database": db.Status},
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	if h.db == nil {
		return ServiceInfo{Status: "unhealthy", Error: "database connection not initialized"}
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	stats := sqlDB.Stats()
	return ServiceInfo{
		Status:  "healthy",
		Latency: time.Since(start).String(),
		Details: gin.H{"open_connections": stats.OpenConnections, "in_use": stats.InUse},
	}
}
