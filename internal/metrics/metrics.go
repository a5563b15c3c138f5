// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "remedy"

// Metrics 流水线指标；nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	TicketsCreated    prometheus.Counter
	TicketTransitions *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	ExecutionAttempts *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	Executions        *prometheus.CounterVec
	Rollbacks         *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	PendingApprovals  prometheus.Gauge
	WorkerPanics      prometheus.Counter
	RateLimitDrops    prometheus.Counter
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TicketsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_created_total",
			Help:      "Total number of tickets accepted at intake",
		}),
		TicketTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticket_transitions_total",
				Help:      "Ticket status transitions",
			},
			[]string{"from", "to"},
		),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Classifier outcomes by category",
			},
			[]string{"category"},
		),
		ExecutionAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_attempts_total",
				Help:      "Adapter apply attempts by outcome",
			},
			[]string{"adapter", "action", "outcome"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_attempt_duration_seconds",
				Help:      "Duration of adapter apply attempts",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"adapter", "action"},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Finished executions by terminal status",
			},
			[]string{"action", "status"},
		),
		Rollbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Rollback attempts by outcome",
			},
			[]string{"action", "outcome"},
		),
		ApprovalDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approval_decisions_total",
				Help:      "Approval decisions",
			},
			[]string{"decision"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "work_queue_items",
				Help:      "Work queue items by status",
			},
			[]string{"status"},
		),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_approvals",
			Help:      "Approval requests awaiting a decision",
		}),
		WorkerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_panics_total",
			Help:      "Recovered panics in pipeline workers",
		}),
		RateLimitDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_drops_total",
			Help:      "Ticket submissions rejected by the intake rate limiter",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TicketCreated() {
	if m == nil {
		return
	}
	m.TicketsCreated.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.TicketTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Classified(category string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(category).Inc()
}

// Attempt records one apply attempt.
func (m *Metrics) Attempt(adapter, action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionAttempts.WithLabelValues(adapter, action, outcome).Inc()
	m.AttemptDuration.WithLabelValues(adapter, action).Observe(d.Seconds())
}

func (m *Metrics) ExecutionFinished(action, status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) Rollback(action, outcome string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) ApprovalDecided(decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision).Inc()
}

// SetQueueDepth replaces the queue gauge values.
func (m *Metrics) SetQueueDepth(depth map[string]int64) {
	if m == nil {
		return
	}
	m.QueueDepth.Reset()
	for status, n := range depth {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SetPendingApprovals(n int64) {
	if m == nil {
		return
	}
	m.PendingApprovals.Set(float64(n))
}

func (m *Metrics) WorkerPanicked() {
	if m == nil {
		return
	}
	m.WorkerPanics.Inc()
}

func (m *Metrics) RateLimitDropped() {
	if m == nil {
		return
	}
	m.RateLimitDrops.Inc()
}
