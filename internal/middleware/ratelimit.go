package middleware

import (
	"net/http"
	"sync"
	"time"

	"remedy/internal/config"
	"remedy/internal/metrics"

	"github.com/gin-gonic/gin"
)

// tokenBucket 令牌桶
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// RateLimiter limits requests per caller. The caller is the authenticated
// actor when AuthMiddleware ran first, otherwise the client IP.
type RateLimiter struct {
	cfg     config.RateLimitingConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewRateLimiter(cfg config.RateLimitingConfig, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		buckets: make(map[string]*tokenBucket),
	}
}

func (l *RateLimiter) bucket(key string) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst, l.now())
	l.buckets[key] = b
	return b
}

// Middleware 返回 gin 中间件；未启用时直接放行
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if l == nil || !l.cfg.Enabled || l.cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := Actor(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !l.bucket(key).allow(l.now()) {
			l.metrics.RateLimitDropped()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
