package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultShell 是离线兜底使用的应用外壳，必须出现在 Assets 中。
const DefaultShell = "./index.html"

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有 Scope 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDSN      string   `mapstructure:"StorageDSN"`
	DynamoTable     string   `mapstructure:"DynamoTable"`
	DynamoRegion    string   `mapstructure:"DynamoRegion"`
	DynamoEndpoint  string   `mapstructure:"DynamoEndpoint"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`

	// DiagnosticsHost 为空时 /-/ 前缀在所有作用域 Host 上保留给诊断接口；
	// 设置后诊断接口只在该 Host 上响应，作用域 Host 上的 /-/ 请求照常代理。
	DiagnosticsHost string `mapstructure:"DiagnosticsHost"`
}

// ScopeConfig 描述一个被拦截的站点：Host 映射、源站、代际与资源清单。
type ScopeConfig struct {
	Name       string            `mapstructure:"Name"`
	Domain     string            `mapstructure:"Domain"`
	Origin     string            `mapstructure:"Origin"`
	Generation string            `mapstructure:"Generation"`
	Shell      string            `mapstructure:"Shell"`
	Assets     []string          `mapstructure:"Assets"`
	Strategies map[string]string `mapstructure:"Strategies"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig  `mapstructure:",squash"`
	Scopes []ScopeConfig `mapstructure:"Scope"`
}

// ScopeByName 按名称查找 Scope。
func (c *Config) ScopeByName(name string) (ScopeConfig, bool) {
	if c == nil {
		return ScopeConfig{}, false
	}
	for _, scope := range c.Scopes {
		if scope.Name == name {
			return scope, true
		}
	}
	return ScopeConfig{}, false
}

// ScopeNames 返回所有 Scope 名称，供日志字段使用。
func ScopeNames(scopes []ScopeConfig) []string {
	if len(scopes) == 0 {
		return nil
	}
	result := make([]string, len(scopes))
	for i, scope := range scopes {
		result[i] = fmt.Sprintf("%s:%s", scope.Name, scope.Generation)
	}
	return result
}

// SameGeneration 判断两份 Scope 配置是否会产出同一个代际，决定热加载时是否需要重新安装。
func (s ScopeConfig) SameGeneration(other ScopeConfig) bool {
	if s.Generation != other.Generation || s.Shell != other.Shell || len(s.Assets) != len(other.Assets) {
		return false
	}
	for i := range s.Assets {
		if s.Assets[i] != other.Assets[i] {
			return false
		}
	}
	if len(s.Strategies) != len(other.Strategies) {
		return false
	}
	for k, v := range s.Strategies {
		if other.Strategies[k] != v {
			return false
		}
	}
	return true
}
