package integrations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while an adapter's breaker rejects calls.
var ErrCircuitOpen = errors.New("integrations: circuit open")

// CircuitBreakerState 熔断器状态
type CircuitBreakerState int

const (
	StateClosedCB   CircuitBreakerState = iota // 关闭状态（正常）
	StateOpenCB                                // 开启状态（熔断）
	StateHalfOpenCB                            // 半开状态（试探）
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

// DefaultBreakerConfig 默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    60 * time.Second,
		HalfOpenMaxReqs: 1,
	}
}

// CircuitBreaker 熔断器实现
type CircuitBreaker struct {
	config       BreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	now          func() time.Time
	mutex        sync.Mutex
}

func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.HalfOpenMaxReqs <= 0 {
		config.HalfOpenMaxReqs = 1
	}
	return &CircuitBreaker{config: config, state: StateClosedCB, now: time.Now}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if cb.now().Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = StateHalfOpenCB
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case StateHalfOpenCB:
		if cb.halfOpenReqs < cb.config.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	}
	return false
}

// OnSuccess 记录成功请求
func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.state = StateClosedCB
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// OnFailure 记录失败请求
func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()
	switch cb.state {
	case StateClosedCB:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = StateOpenCB
		}
	case StateHalfOpenCB:
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

// State 获取当前状态
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GuardedAdapter wraps an adapter with a circuit breaker around Apply.
type GuardedAdapter struct {
	Adapter
	breaker *CircuitBreaker
}

// Guard 为适配器加熔断保护
func Guard(a Adapter, cfg BreakerConfig) *GuardedAdapter {
	return &GuardedAdapter{Adapter: a, breaker: NewCircuitBreaker(cfg)}
}

func (g *GuardedAdapter) Breaker() *CircuitBreaker { return g.breaker }

func (g *GuardedAdapter) Apply(ctx context.Context, req Request) (*Result, error) {
	if !g.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, g.Name())
	}
	res, err := g.Adapter.Apply(ctx, req)
	if err != nil {
		g.breaker.OnFailure()
		return nil, err
	}
	g.breaker.OnSuccess()
	return res, nil
}
