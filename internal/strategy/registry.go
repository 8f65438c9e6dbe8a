package strategy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// 内置策略键。
const (
	KeyNetworkFirst         = "network-first"
	KeyStaleWhileRevalidate = "stale-while-revalidate"
	KeyCacheFirst           = "cache-first"
)

// Definition 描述一个可按键引用的策略。
type Definition struct {
	Key         string `json:"key"`
	Description string `json:"description"`
	Policy      Policy `json:"-"`
}

var globalRegistry = newRegistry()

type registry struct {
	mu       sync.RWMutex
	policies map[string]Definition
}

func newRegistry() *registry {
	return &registry{policies: make(map[string]Definition)}
}

// Register 将策略加入全局注册表，重复键会返回错误。
func Register(def Definition) error {
	return globalRegistry.register(def)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(def Definition) {
	if err := Register(def); err != nil {
		panic(err)
	}
}

// Resolve 返回指定键的策略定义，大小写不敏感。
func Resolve(key string) (Definition, bool) {
	return globalRegistry.resolve(key)
}

// List 返回按键排序的策略列表。
func List() []Definition {
	return globalRegistry.list()
}

// Keys 返回所有已注册策略的键，供配置校验与诊断使用。
func Keys() []string {
	items := List()
	result := make([]string, len(items))
	for i, def := range items {
		result[i] = def.Key
	}
	return result
}

// NormalizeKey lower-cases and trims a strategy key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(def Definition) error {
	key := NormalizeKey(def.Key)
	if key == "" {
		return fmt.Errorf("strategy key is required")
	}
	if def.Policy == nil {
		return fmt.Errorf("strategy %s has no policy", key)
	}
	def.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[key]; exists {
		return fmt.Errorf("strategy %s already registered", key)
	}
	r.policies[key] = def
	return nil
}

func (r *registry) resolve(key string) (Definition, bool) {
	normalized := NormalizeKey(key)
	if normalized == "" {
		return Definition{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.policies[normalized]
	return def, ok
}

func (r *registry) list() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.policies) == 0 {
		return nil
	}

	keys := make([]string, 0, len(r.policies))
	for key := range r.policies {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Definition, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.policies[key])
	}
	return result
}
