package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 scope/domain/代际与策略字段，供拦截请求日志复用。
func RequestFields(scope, domain, generation, category, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"scope":      scope,
		"domain":     domain,
		"generation": generation,
		"category":   category,
		"strategy":   strategy,
		"source":     source,
	}
}

// PassthroughFields 用于未拦截、直接转发的请求。
func PassthroughFields(scope, domain, reason string) logrus.Fields {
	return logrus.Fields{
		"scope":       scope,
		"domain":      domain,
		"passthrough": reason,
	}
}
