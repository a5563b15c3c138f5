package handlers

import (
	"strings"
	"time"

	"remedy/internal/config"
	"remedy/internal/metrics"
	"remedy/internal/middleware"
	"remedy/internal/services"
	"remedy/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"
)

// RouterDeps HTTP 层依赖
type RouterDeps struct {
	DB         *gorm.DB
	Tickets    *services.TicketService
	Approvals  *services.ApprovalService
	Policies   *services.PolicyService
	Audit      *services.AuditService
	Hub        *services.AuditStreamHub
	Metrics    *metrics.Metrics
	Automation *config.AutomationSwitch
	Logger     *logrus.Logger
	Version    string
}

// NewRouter 组装 gin 路由
func NewRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if cfg.Monitoring.Tracing.Enabled {
		name := cfg.Monitoring.Tracing.ServiceName
		if name == "" {
			name = "remedy"
		}
		router.Use(otelgin.Middleware(name))
	}
	if cfg.Security.CORS.Enabled {
		router.Use(corsMiddleware(cfg.Security.CORS))
	}

	health := NewHealthHandler(deps.DB, deps.Automation, deps.Version)
	router.GET("/health", health.Health)
	router.GET("/ready", health.Ready)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	api := router.Group("/api", middleware.AuthMiddleware(cfg))
	limiter := middleware.NewRateLimiter(cfg.Security.RateLimiting, deps.Metrics)
	RegisterTicketRoutes(api, NewTicketHandler(deps.Tickets, deps.Audit, logger), limiter.Middleware())
	RegisterApprovalRoutes(api, NewApprovalHandler(deps.Approvals, logger))
	RegisterPolicyRoutes(api, NewPolicyHandler(deps.Policies, logger))
	auditHandler := NewAuditHandler(deps.Audit, deps.Hub, logger)
	RegisterAuditRoutes(api, auditHandler)

	v1 := router.Group("/api/v1", middleware.AuthMiddleware(cfg))
	RegisterAuditStreamRoute(v1, auditHandler)

	return router
}

// requestLogger 以 logrus 记录请求
// RequestIDHeader 请求追踪头；缺省时生成
const RequestIDHeader = "X-Request-ID"

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = utils.GenerateID()
		}
		c.Header(RequestIDHeader, reqID)
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"request_id": reqID,
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
		})
		if actor := middleware.Actor(c); actor != "" {
			entry = entry.WithField("actor", actor)
		}
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request")
		}
	}
}

// corsMiddleware CORS 中间件
func corsMiddleware(cc config.CORSConfig) gin.HandlerFunc {
	methods := strings.Join(append(append([]string{}, cc.AllowedMethods...), "OPTIONS"), ", ")
	headers := "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization"
	if len(cc.AllowedHeaders) > 0 && cc.AllowedHeaders[0] != "*" {
		headers = strings.Join(cc.AllowedHeaders, ", ")
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowOrigin(cc.AllowedOrigins, origin) {
			if origin == "" {
				origin = "*"
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
		}
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func allowOrigin(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
