// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"sync/atomic"

	"couponhub/internal/pkg/config"
	"couponhub/internal/pkg/logger"
)

var currentConfig atomic.Pointer[config.Config]

// Init 加载配置并初始化日志器，需要在 StartService 之前调用
func Init() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	SetCurrentConfig(cfg)
	logger.Init(cfg.App.ServiceName, cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

// SetCurrentConfig 替换当前配置，测试中也可直接使用
func SetCurrentConfig(cfg *config.Config) {
	currentConfig.Store(cfg)
}

// GetCurrentConfig 返回当前生效的配置，未初始化时返回测试配置
func GetCurrentConfig() *config.Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return config.NewTestConfig()
}
