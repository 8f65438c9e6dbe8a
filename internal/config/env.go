package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides 汇总可由环境变量覆盖的设置，优先级高于配置文件。
type EnvOverrides struct {
	ConfigPath      string `env:"SHELLCACHE_CONFIG"`
	LogLevel        string `env:"SHELLCACHE_LOG_LEVEL"`
	StorageDSN      string `env:"SHELLCACHE_STORAGE_DSN"`
	OTelEnabled     bool   `env:"SHELLCACHE_OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint    string `env:"SHELLCACHE_OTEL_ENDPOINT"`
	OTelServiceName string `env:"SHELLCACHE_OTEL_SERVICE_NAME" envDefault:"shellcache"`
}

// ParseEnv 读取环境变量。
func ParseEnv() (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return EnvOverrides{}, fmt.Errorf("parse env: %w", err)
	}
	return overrides, nil
}

// Apply 将非空的环境变量覆盖写入全局配置。
func (o EnvOverrides) Apply(g *GlobalConfig) {
	if level := strings.TrimSpace(o.LogLevel); level != "" {
		g.LogLevel = level
	}
	if dsn := strings.TrimSpace(o.StorageDSN); dsn != "" {
		g.StorageDSN = dsn
	}
}
