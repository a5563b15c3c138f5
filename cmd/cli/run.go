package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"remedy/internal/app"
	"remedy/internal/config"
	"remedy/internal/handlers"
	"remedy/internal/models"
	"remedy/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the API server and remediation workers",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Int("port", 0, "HTTP port (overrides server.port)")
	runCmd.Flags().Int("workers", 0, "worker count (overrides automation.workers)")
	_ = viper.BindPFlag("server.port", runCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("automation.workers", runCmd.Flags().Lookup("workers"))
}

func run(cmd *cobra.Command, args []string) error {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 初始化日志系统
	logger, err := config.InitLogger(cfg)
	if err != nil {
		logrus.Warnf("init logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry 初始化（可选）
	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Monitoring.Tracing)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// 初始化数据库
	db, err := app.OpenDatabase(cfg.Database, cfg.Monitoring.Tracing.Enabled, logger)
	if err != nil {
		return err
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	a, err := app.New(cfg, db, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Errorf("close: %v", err)
		}
	}()
	if n, err := a.SeedPolicies(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Infof("Seeded %d automation policies", n)
	}

	// 配置文件热更新自动化开关
	if viper.ConfigFileUsed() != "" {
		config.WatchAutomationSwitch(viper.GetViper(), a.Automation, logger)
	}

	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(cfg, handlers.RouterDeps{
		DB:         db,
		Tickets:    a.Tickets,
		Approvals:  a.Approvals,
		Policies:   a.Policies,
		Audit:      a.Audit,
		Hub:        a.Hub,
		Metrics:    a.Metrics,
		Automation: a.Automation,
		Logger:     logger,
		Version:    Version,
	})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Server exited")
	return err
}
