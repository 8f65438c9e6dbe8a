package config

import (
	"errors"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

const minimalScope = `
[[Scope]]
Name = "cards"
Domain = "cards.local"
Origin = "https://cards.example.com"
Generation = "v1"
Assets = ["./", "./index.html"]
`

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"
` + minimalScope
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeTempConfig(t, "UpstreamTimeout = 15\n"+minimalScope)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数应按秒解析: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SHELLCACHE_LOG_LEVEL", "debug")
	t.Setenv("SHELLCACHE_STORAGE_DSN", "postgres://env/shellcache")
	path := writeTempConfig(t, `
StorageDriver = "postgres"
StorageDSN = "postgres://file/shellcache"
`+minimalScope)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.LogLevel != "debug" {
		t.Fatalf("环境变量应覆盖 LogLevel: %s", cfg.Global.LogLevel)
	}
	if cfg.Global.StorageDSN != "postgres://env/shellcache" {
		t.Fatalf("环境变量应覆盖 StorageDSN: %s", cfg.Global.StorageDSN)
	}
}

func TestParseEnvDefaults(t *testing.T) {
	overrides, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv 返回错误: %v", err)
	}
	if overrides.OTelServiceName != "shellcache" {
		t.Fatalf("unexpected service name: %s", overrides.OTelServiceName)
	}

	t.Setenv("SHELLCACHE_OTEL_ENABLED", "maybe")
	if _, err := ParseEnv(); err == nil {
		t.Fatalf("非法布尔值应报错")
	}
}

func TestHandleConfigEvent(t *testing.T) {
	path := writeTempConfig(t, minimalScope)

	var got *Config
	handleConfigEvent(path, fsnotify.Event{Name: path, Op: fsnotify.Write}, func(cfg *Config) { got = cfg }, nil)
	if got == nil || got.Scopes[0].Generation != "v1" {
		t.Fatalf("写入事件应触发重新加载")
	}

	got = nil
	handleConfigEvent(path, fsnotify.Event{Name: path, Op: fsnotify.Chmod}, func(cfg *Config) { got = cfg }, nil)
	if got != nil {
		t.Fatalf("chmod 事件不应触发重新加载")
	}

	broken := writeTempConfig(t, `
[[Scope]]
Name = "x"
Domain = "x.local"
Origin = "https://x.example.com"
Assets = ["./index.html"]
`)
	var loadErr error
	handleConfigEvent(broken, fsnotify.Event{Name: broken, Op: fsnotify.Write}, func(*Config) {
		t.Fatalf("非法配置不应回调 onChange")
	}, func(err error) { loadErr = err })
	if loadErr == nil {
		t.Fatalf("非法配置应回调 onError")
	}
	var fieldErr FieldError
	if !errors.As(loadErr, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", loadErr)
	}
}
