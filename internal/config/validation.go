package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/strategy"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":       {},
	"sqlite":   {},
	"postgres": {},
	"dynamodb": {},
	"memory":   {},
}

const supportedStorageDriverList = "fs|sqlite|postgres|dynamodb|memory"

var supportedCategories = map[string]struct{}{
	"navigation": {},
	"data":       {},
	"static":     {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	switch g.StorageDriver {
	case "fs", "sqlite":
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "postgres":
		if strings.TrimSpace(g.StorageDSN) == "" {
			return newFieldError("Global.StorageDSN", "postgres 驱动必须提供 DSN")
		}
	case "dynamodb":
		if strings.TrimSpace(g.DynamoTable) == "" {
			return newFieldError("Global.DynamoTable", "dynamodb 驱动必须提供表名")
		}
		if g.DynamoEndpoint != "" {
			if err := validateOrigin(g.DynamoEndpoint); err != nil {
				return fmt.Errorf("Global.DynamoEndpoint: %w", err)
			}
		}
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.DiagnosticsHost != "" {
		if err := validateDomain(g.DiagnosticsHost); err != nil {
			return fmt.Errorf("Global.DiagnosticsHost: %w", err)
		}
	}

	if len(c.Scopes) == 0 {
		return errors.New("至少需要配置一个 Scope")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Scopes {
		scope := &c.Scopes[i]
		if scope.Name == "" {
			return newFieldError("Scope[].Name", "不能为空")
		}
		if err := validateName(scope.Name); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Name"), err)
		}
		if _, exists := seenNames[scope.Name]; exists {
			return newFieldError(scopeField(scope.Name, "Name"), "重复")
		}
		seenNames[scope.Name] = struct{}{}

		if err := validateDomain(scope.Domain); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Domain"), err)
		}
		if other, exists := seenDomains[scope.Domain]; exists {
			return newFieldError(scopeField(scope.Name, "Domain"), "与 Scope "+other+" 重复")
		}
		if g.DiagnosticsHost != "" && scope.Domain == g.DiagnosticsHost {
			return newFieldError(scopeField(scope.Name, "Domain"), "与 Global.DiagnosticsHost 冲突")
		}
		seenDomains[scope.Domain] = scope.Name

		if err := validateOrigin(scope.Origin); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Origin"), err)
		}
		if scope.Generation == "" {
			return newFieldError(scopeField(scope.Name, "Generation"), "不能为空")
		}
		if err := validateName(scope.Generation); err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Generation"), err)
		}
		if err := validateAssets(scope); err != nil {
			return err
		}
		for category, key := range scope.Strategies {
			if _, ok := supportedCategories[category]; !ok {
				return newFieldError(scopeField(scope.Name, "Strategies."+category), "仅支持 navigation/data/static")
			}
			if _, ok := strategy.Resolve(key); !ok {
				return newFieldError(scopeField(scope.Name, "Strategies."+category),
					fmt.Sprintf("未注册策略: %s（可选 %s）", key, strings.Join(strategy.Keys(), "/")))
			}
		}
	}

	return nil
}

func validateAssets(scope *ScopeConfig) error {
	if len(scope.Assets) == 0 {
		return newFieldError(scopeField(scope.Name, "Assets"), "不能为空")
	}
	keys := make(map[cache.Key]struct{}, len(scope.Assets))
	for _, asset := range scope.Assets {
		key, err := cache.ParseKey(asset)
		if err != nil {
			return fmt.Errorf("%s: %w", scopeField(scope.Name, "Assets"), err)
		}
		keys[key] = struct{}{}
	}
	shell, err := cache.ParseKey(scope.Shell)
	if err != nil {
		return fmt.Errorf("%s: %w", scopeField(scope.Name, "Shell"), err)
	}
	if _, ok := keys[shell]; !ok {
		return newFieldError(scopeField(scope.Name, "Shell"), "必须包含在 Assets 中: "+scope.Shell)
	}
	return nil
}

// validateName 限制 Scope/Generation 名称，保证可安全用作目录名与存储键。
func validateName(name string) error {
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	if strings.ContainsAny(name, "/\\# \t") {
		return errors.New("不能包含 / \\ # 或空白字符")
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含查询串或片段: %s", raw)
	}
	return nil
}
