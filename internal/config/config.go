package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	JWT          JWTConfig          `mapstructure:"jwt" yaml:"jwt"`
	Log          LogConfig          `mapstructure:"log" yaml:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring" yaml:"monitoring"`
	Security     SecurityConfig     `mapstructure:"security" yaml:"security"`
	Automation   AutomationConfig   `mapstructure:"automation" yaml:"automation"`
	Integrations IntegrationsConfig `mapstructure:"integrations" yaml:"integrations"`
	Events       EventsConfig       `mapstructure:"events" yaml:"events"`
}

type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"` // postgres, sqlite
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Name            string        `mapstructure:"name" yaml:"name"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	Path            string        `mapstructure:"path" yaml:"path"` // sqlite 文件路径
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// DSN 构建 Postgres 连接串
func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port, sslMode)
}

type JWTConfig struct {
	Secret    string        `mapstructure:"secret" yaml:"secret"`
	ExpiresIn time.Duration `mapstructure:"expires_in" yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	Output     string `mapstructure:"output" yaml:"output"` // stdout, file, both
	FilePath   string `mapstructure:"file_path" yaml:"file_path"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`       // MB
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`         // days
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // number of backup files
	Compress   bool   `mapstructure:"compress" yaml:"compress"`       // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string        `mapstructure:"metrics_path" yaml:"metrics_path"`
	Tracing     TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`         // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `mapstructure:"insecure" yaml:"insecure"`         // 是否使用明文（本地/开发）
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"` // 缺省使用 "remedy"
}

type SecurityConfig struct {
	CORS CORSConfig `mapstructure:"cors" yaml:"cors"`
	RBAC RBACConfig `mapstructure:"rbac" yaml:"rbac"`

	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting" yaml:"rate_limiting"`
}

// RateLimitingConfig 工单提交限流（按调用方）
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int  `mapstructure:"burst" yaml:"burst"`
}

type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
}

// RBACConfig 角色到权限的映射
type RBACConfig struct {
	Enabled bool                `mapstructure:"enabled" yaml:"enabled"`
	Roles   map[string][]string `mapstructure:"roles" yaml:"roles"`
}

// AutomationConfig 自动修复流水线配置
type AutomationConfig struct {
	// Enabled is the global switch; when false every ticket goes to the manual queue.
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	Workers        int           `mapstructure:"workers" yaml:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"`
	MinConfidence  float64       `mapstructure:"min_confidence" yaml:"min_confidence"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	PolicyFile     string        `mapstructure:"policy_file" yaml:"policy_file"`
	Retry          RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Queue          QueueConfig   `mapstructure:"queue" yaml:"queue"`
}

// RetryConfig 执行重试退避
type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter    float64       `mapstructure:"jitter" yaml:"jitter"` // 0.0~1.0
}

// QueueConfig 持久化队列配置
type QueueConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	RecoverySchedule string        `mapstructure:"recovery_schedule" yaml:"recovery_schedule"` // cron 表达式
	GaugeSchedule    string        `mapstructure:"gauge_schedule" yaml:"gauge_schedule"`
}

type IntegrationsConfig struct {
	Directory      HTTPIntegrationConfig `mapstructure:"directory" yaml:"directory"`
	VPN            HTTPIntegrationConfig `mapstructure:"vpn" yaml:"vpn"`
	Compliance     ComplianceConfig      `mapstructure:"compliance" yaml:"compliance"`
	Notifier       NotifierConfig        `mapstructure:"notifier" yaml:"notifier"`
	CircuitBreaker CircuitBreakerConfig  `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// HTTPIntegrationConfig 外部系统 HTTP 接入；BaseURL 为空时使用模拟模式
type HTTPIntegrationConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ComplianceConfig struct {
	ScriptPath string        `mapstructure:"script_path" yaml:"script_path"`
	Shell      string        `mapstructure:"shell" yaml:"shell"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type NotifierConfig struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url" yaml:"slack_webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SMTP            SMTPConfig    `mapstructure:"smtp" yaml:"smtp"`
}

// SMTPConfig 邮件通知；Host 为空时不发邮件
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	From     string `mapstructure:"from" yaml:"from"`
}

type CircuitBreakerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures     int           `mapstructure:"max_failures" yaml:"max_failures"`
	ResetTimeout    time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `mapstructure:"half_open_max_requests" yaml:"half_open_max_requests"`
}

type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// Load 从 viper 读取配置，缺省项使用 GetDefaultConfig
func Load() (*Config, error) {
	cfg := GetDefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "remedy",
			SSLMode:         "disable",
			Path:            "./remedy.db",
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		JWT: JWTConfig{
			Secret:    "default-secret-key",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "./logs/remedy.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "remedy",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
				AllowedHeaders: []string{"*"},
			},
			RateLimiting: RateLimitingConfig{
				Enabled:           true,
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		Automation: AutomationConfig{
			Enabled:        true,
			Workers:        4,
			PollInterval:   2 * time.Second,
			LeaseTimeout:   15 * time.Minute,
			MinConfidence:  0.6,
			DefaultTimeout: 300 * time.Second,
			PolicyFile:     "",
			Retry: RetryConfig{
				BaseDelay: 2 * time.Second,
				MaxDelay:  60 * time.Second,
				Jitter:    0.2,
			},
			Queue: QueueConfig{
				MaxAttempts:      5,
				RetryDelay:       10 * time.Second,
				RecoverySchedule: "*/1 * * * *",
				GaugeSchedule:    "*/1 * * * *",
			},
		},
		Integrations: IntegrationsConfig{
			Directory: HTTPIntegrationConfig{Timeout: 30 * time.Second},
			VPN:       HTTPIntegrationConfig{Timeout: 30 * time.Second},
			Compliance: ComplianceConfig{
				Shell:   "/bin/sh",
				Timeout: 10 * time.Minute,
			},
			Notifier: NotifierConfig{
				Timeout: 10 * time.Second,
				SMTP:    SMTPConfig{Port: 587, From: "it-support@localhost"},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:         true,
				MaxFailures:     5,
				ResetTimeout:    60 * time.Second,
				HalfOpenMaxReqs: 1,
			},
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Enabled: false,
				Brokers: []string{"localhost:9092"},
				Topic:   "remedy.audit",
			},
		},
	}
}
