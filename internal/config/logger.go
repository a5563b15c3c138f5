package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logTimestampFormat = "2006-01-02 15:04:05"

// InitLogger 初始化全局日志并返回同一实例，供各服务注入
func InitLogger(cfg *Config) (*logrus.Logger, error) {
	logger := logrus.StandardLogger()
	if err := ConfigureLogger(logger, cfg.Log); err != nil {
		return logger, err
	}
	logger.Infof("Logger initialized - Level: %s, Format: %s, Output: %s",
		cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	return logger, nil
}

// ConfigureLogger 按配置设置级别、格式与输出
func ConfigureLogger(logger *logrus.Logger, lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		logger.Warnf("Invalid log level '%s', using 'info'", lc.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.ToLower(lc.Format) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: logTimestampFormat,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: logTimestampFormat,
		})
	}

	out, err := logOutput(lc)
	if err != nil {
		return err
	}
	logger.SetOutput(out)
	return nil
}

func logOutput(lc LogConfig) (io.Writer, error) {
	switch strings.ToLower(lc.Output) {
	case "file":
		return rotatingFile(lc)
	case "both":
		rotate, err := rotatingFile(lc)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stdout, rotate), nil
	default:
		return os.Stdout, nil
	}
}

// rotatingFile 日志轮转写入器
func rotatingFile(lc LogConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(lc.FilePath), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   lc.FilePath,
		MaxSize:    lc.MaxSize,
		MaxBackups: lc.MaxBackups,
		MaxAge:     lc.MaxAge,
		Compress:   lc.Compress,
		LocalTime:  true,
	}, nil
}
