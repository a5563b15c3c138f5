package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// AutomationSwitch 全局自动执行开关，可在运行时切换
type AutomationSwitch struct {
	enabled atomic.Bool
}

func NewAutomationSwitch(enabled bool) *AutomationSwitch {
	s := &AutomationSwitch{}
	s.enabled.Store(enabled)
	return s
}

func (s *AutomationSwitch) Enabled() bool {
	if s == nil {
		return true
	}
	return s.enabled.Load()
}

func (s *AutomationSwitch) Set(enabled bool) {
	s.enabled.Store(enabled)
}

// WatchAutomationSwitch 监听配置文件变化，热更新 automation.enabled
func WatchAutomationSwitch(v *viper.Viper, sw *AutomationSwitch, logger *logrus.Logger) {
	if logger == nil {
		logger = logrus.New()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		applySwitch(v, sw, logger, e.Name)
	})
	v.WatchConfig()
}

func applySwitch(v *viper.Viper, sw *AutomationSwitch, logger *logrus.Logger, source string) {
	if !v.IsSet("automation.enabled") {
		return
	}
	next := v.GetBool("automation.enabled")
	if prev := sw.Enabled(); prev != next {
		sw.Set(next)
		logger.Warnf("automation switch changed %v -> %v (%s)", prev, next, source)
	}
}
