package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化：每次写入后重新 Load，成功时回调 onChange，失败时回调 onError。
// 旧配置在新配置校验通过前持续生效。
func Watch(path string, onChange func(*Config), onError func(error)) {
	if path == "" {
		path = "config.toml"
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(event fsnotify.Event) {
		handleConfigEvent(path, event, onChange, onError)
	})
	v.WatchConfig()
}

func handleConfigEvent(path string, event fsnotify.Event, onChange func(*Config), onError func(error)) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	cfg, err := Load(path)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if onChange != nil {
		onChange(cfg)
	}
}
