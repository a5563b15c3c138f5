// Package app wires configuration into the remediation pipeline's services.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remedy/internal/config"
	"remedy/internal/metrics"
	"remedy/internal/services"
	"remedy/pkg/events"
	"remedy/pkg/integrations"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

// ShutdownTimeout bounds how long in-flight work may take after the stop signal.
const ShutdownTimeout = 30 * time.Second

// Options overrides pieces normally built from config.
type Options struct {
	Registry *integrations.Registry
	Notifier integrations.Notifier
	Producer services.EventProducer
	Metrics  *metrics.Metrics
}

// App 持有流水线的全部组件
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *logrus.Logger

	Metrics    *metrics.Metrics
	Automation *config.AutomationSwitch
	Audit      *services.AuditService
	Policies   *services.PolicyService
	Approvals  *services.ApprovalService
	Tickets    *services.TicketService
	Engine     *services.ExecutionEngine
	Queue      *services.WorkQueue
	Pool       *services.WorkerPool
	Scheduler  *services.Scheduler
	Hub        *services.AuditStreamHub
	Classifier *services.Classifier
	Registry   *integrations.Registry

	closers []func() error
}

// OpenDatabase 按驱动打开数据库；始终开启 TranslateError
func OpenDatabase(dc config.DatabaseConfig, tracing bool, log *logrus.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch dc.Driver {
	case "", "postgres":
		dialector = postgres.Open(dc.DSN())
	case "sqlite":
		path := dc.Path
		if path == "" {
			path = "remedy.db"
		}
		dialector = sqlite.Open(path + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dc.Driver)
	}

	level := logger.Warn
	if log != nil && log.IsLevelEnabled(logrus.DebugLevel) {
		level = logger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if tracing {
		if err := db.Use(gormtracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("gorm tracing plugin: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if dc.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if dc.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(dc.MaxOpenConns)
		}
		if dc.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(dc.MaxIdleConns)
		}
		if dc.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(dc.ConnMaxLifetime)
		}
	}
	return db, nil
}

// New 根据配置组装服务；db 需已迁移
func New(cfg *config.Config, db *gorm.DB, log *logrus.Logger, opts Options) (*App, error) {
	if log == nil {
		log = logrus.New()
	}
	a := &App{Config: cfg, DB: db, Logger: log}

	a.Metrics = opts.Metrics
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	a.Automation = config.NewAutomationSwitch(cfg.Automation.Enabled)

	a.Audit = services.NewAuditService(db, log)
	a.Hub = services.NewAuditStreamHub(log, cfg.Security.CORS.AllowedOrigins)
	a.Audit.AddSink(a.Hub)

	producer := opts.Producer
	if producer == nil && cfg.Events.Kafka.Enabled {
		p, err := events.NewProducer(events.ProducerOptions{
			Brokers: cfg.Events.Kafka.Brokers,
			Topic:   cfg.Events.Kafka.Topic,
			Async:   true,
		}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		producer = p
	}
	if producer != nil {
		a.Audit.AddSink(services.NewEventAuditSink(producer))
	}

	a.Registry = opts.Registry
	if a.Registry == nil {
		a.Registry = BuildRegistry(cfg.Integrations, log)
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = BuildNotifier(cfg.Integrations.Notifier, log)
	}

	ac := cfg.Automation
	locks := services.NewTicketLocks()
	cancels := services.NewCancelRegistry()
	states := services.NewStateMachine(a.Audit, a.Metrics)

	a.Policies = services.NewPolicyService(db, log, a.Audit)
	a.Queue = services.NewWorkQueue(db, log, services.WorkQueueOptions{
		MaxAttempts: ac.Queue.MaxAttempts,
		RetryDelay:  ac.Queue.RetryDelay,
	})
	a.Approvals = services.NewApprovalService(db, log, a.Audit, a.Queue, locks, states, a.Metrics)
	a.Engine = services.NewExecutionEngine(db, log, services.ExecutionEngineOptions{
		Registry: a.Registry,
		Audit:    a.Audit,
		Notifier: notifier,
		Cancels:  cancels,
		Metrics:  a.Metrics,
		Retry: services.RetryPolicy{
			BaseDelay: ac.Retry.BaseDelay,
			MaxDelay:  ac.Retry.MaxDelay,
			Jitter:    ac.Retry.Jitter,
		},
		DefaultTimeout: ac.DefaultTimeout,
	})
	a.Classifier = services.NewClassifier(ac.MinConfidence)
	a.Tickets = services.NewTicketService(db, log, services.TicketServiceOptions{
		Classifier: a.Classifier,
		Diagnosis:  services.NewDiagnosisEngine(),
		Evaluator:  services.NewPolicyEvaluator(),
		Policies:   a.Policies,
		Approvals:  a.Approvals,
		Engine:     a.Engine,
		Audit:      a.Audit,
		Queue:      a.Queue,
		States:     states,
		Locks:      locks,
		Cancels:    cancels,
		Switch:     a.Automation,
		Metrics:    a.Metrics,
	})
	a.Pool = services.NewWorkerPool(a.Queue, a.Tickets, log, services.WorkerPoolOptions{
		Workers:      ac.Workers,
		PollInterval: ac.PollInterval,
		LeaseTimeout: ac.LeaseTimeout,
		Metrics:      a.Metrics,
	})

	sched, err := services.NewScheduler(a.Queue, a.Approvals, a.Metrics, log, services.SchedulerOptions{
		RecoverySchedule: ac.Queue.RecoverySchedule,
		GaugeSchedule:    ac.Queue.GaugeSchedule,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = sched
	return a, nil
}

// BuildRegistry 未配置地址的系统使用模拟适配器
func BuildRegistry(ic config.IntegrationsConfig, log *logrus.Logger) *integrations.Registry {
	var directory, vpn, compliance integrations.Adapter
	if ic.Directory.BaseURL != "" {
		directory = integrations.NewDirectoryClient(httpConfig(ic.Directory), log)
	} else {
		log.Warn("directory integration not configured, using simulated adapter")
		directory = integrations.NewSimulated("directory", integrations.DirectorySpecs, log)
	}
	if ic.VPN.BaseURL != "" {
		vpn = integrations.NewVPNClient(httpConfig(ic.VPN), log)
	} else {
		log.Warn("vpn integration not configured, using simulated adapter")
		vpn = integrations.NewSimulated("vpn", integrations.VPNSpecs, log)
	}
	if ic.Compliance.ScriptPath != "" {
		compliance = integrations.NewComplianceRunner(ic.Compliance.Shell, ic.Compliance.ScriptPath, nil, log)
	} else {
		log.Warn("compliance script not configured, using simulated adapter")
		compliance = integrations.NewSimulated("compliance", integrations.ComplianceSpecs, log)
	}

	adapters := []integrations.Adapter{directory, vpn, compliance}
	if cb := ic.CircuitBreaker; cb.Enabled {
		bc := integrations.DefaultBreakerConfig()
		if cb.MaxFailures > 0 {
			bc.MaxFailures = cb.MaxFailures
		}
		if cb.ResetTimeout > 0 {
			bc.ResetTimeout = cb.ResetTimeout
		}
		if cb.HalfOpenMaxReqs > 0 {
			bc.HalfOpenMaxReqs = cb.HalfOpenMaxReqs
		}
		for i, a := range adapters {
			adapters[i] = integrations.Guard(a, bc)
		}
	}
	return integrations.NewRegistry(adapters...)
}

func httpConfig(c config.HTTPIntegrationConfig) integrations.HTTPConfig {
	return integrations.HTTPConfig{BaseURL: c.BaseURL, APIKey: c.APIKey, Timeout: c.Timeout}
}

// BuildNotifier 组合 Slack / 邮件通知；都未配置时写日志
func BuildNotifier(nc config.NotifierConfig, log *logrus.Logger) integrations.Notifier {
	var out integrations.MultiNotifier
	if nc.SlackWebhookURL != "" {
		out = append(out, integrations.NewWebhookNotifier(nc.SlackWebhookURL, nc.Timeout))
	}
	if nc.SMTP.Host != "" {
		out = append(out, integrations.NewEmailNotifier(integrations.SMTPConfig{
			Host:     nc.SMTP.Host,
			Port:     nc.SMTP.Port,
			Username: nc.SMTP.Username,
			Password: nc.SMTP.Password,
			From:     nc.SMTP.From,
		}))
	}
	if len(out) == 0 {
		return integrations.NewLogNotifier(log)
	}
	return out
}

// SeedPolicies 从策略文件或内置默认值补齐缺失的分类策略
func (a *App) SeedPolicies(ctx context.Context) (int, error) {
	policies := services.DefaultPolicies()
	if path := a.Config.Automation.PolicyFile; path != "" {
		loaded, err := services.LoadPolicyFile(path)
		if err != nil {
			return 0, err
		}
		policies = loaded
	}
	return a.Policies.Seed(ctx, policies)
}

// Run 启动审计流、调度器与工作池，直到 ctx 结束
func (a *App) Run(ctx context.Context) error {
	n, err := a.Queue.RecoverExpired(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.Logger.Warnf("Recovered %d expired work item lease(s) at startup", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.Scheduler.Start()
		<-ctx.Done()
		<-a.Scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		return a.Pool.Run(ctx)
	})
	return g.Wait()
}

// Close 释放外部连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
