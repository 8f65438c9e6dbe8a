package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/strategy"
	"github.com/shellcache/shellcache/internal/worker"
)

// ScopeRoute 聚合一个作用域在运行期需要的全部对象，供路由/代理层直接复用。
type ScopeRoute struct {
	// Name/Domain 在注册时固定，修改需要重启。
	Name   string
	Domain string
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	Upstream   *Upstream
	Worker     *worker.Worker
	Store      cache.Store
}

// Scope returns the scope settings currently applied to the worker.
func (r *ScopeRoute) Scope() config.ScopeConfig {
	return r.Worker.Scope()
}

// RegistryDeps are the shared collaborators every scope is built from.
type RegistryDeps struct {
	Backend cache.Backend
	Client  *http.Client
	Tasks   *strategy.Tasks
	Logger  logrus.FieldLogger
}

// ScopeRegistry 提供 Host/Host:port 到 ScopeRoute 的查询能力，所有作用域共享同一个监听端口。
type ScopeRegistry struct {
	deps RegistryDeps

	mu      sync.RWMutex
	port    int
	routes  map[string]*ScopeRoute
	ordered []*ScopeRoute
}

// NewScopeRegistry 根据配置构建 Host 映射与各作用域的 worker。worker 在 Start 之前不拦截任何请求。
func NewScopeRegistry(cfg *config.Config, deps RegistryDeps) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Backend == nil {
		return nil, errors.New("cache backend is required")
	}
	if deps.Client == nil {
		deps.Client = NewUpstreamClient(cfg)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}

	registry := &ScopeRegistry{
		deps:   deps,
		port:   cfg.Global.ListenPort,
		routes: make(map[string]*ScopeRoute, len(cfg.Scopes)),
	}
	for _, scope := range cfg.Scopes {
		route, err := registry.buildRoute(scope)
		if err != nil {
			return nil, err
		}
		if err := registry.add(route); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (r *ScopeRegistry) buildRoute(scope config.ScopeConfig) (*ScopeRoute, error) {
	host := normalizeDomain(scope.Domain)
	if host == "" {
		return nil, fmt.Errorf("invalid domain for scope %s", scope.Name)
	}
	upstream, err := NewUpstream(r.deps.Client, scope.Origin)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope.Name, err)
	}
	store := r.deps.Backend.Namespace(scope.Name)
	w, err := worker.New(worker.Options{
		Scope:   scope,
		Store:   store,
		Fetcher: upstream,
		Tasks:   r.deps.Tasks,
		Logger:  r.deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &ScopeRoute{
		Name:       scope.Name,
		Domain:     host,
		ListenPort: r.port,
		Upstream:   upstream,
		Worker:     w,
		Store:      store,
	}, nil
}

func (r *ScopeRegistry) add(route *ScopeRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.routes[route.Domain]; exists {
		return fmt.Errorf("duplicate domain mapping detected for %s", route.Domain)
	}
	r.routes[route.Domain] = route
	r.ordered = append(r.ordered, route)
	return nil
}

func (r *ScopeRegistry) remove(name string) *ScopeRoute {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, route := range r.ordered {
		if route.Name != name {
			continue
		}
		delete(r.routes, route.Domain)
		r.ordered = append(r.ordered[:i:i], r.ordered[i+1:]...)
		return route
	}
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 ScopeRoute。
func (r *ScopeRegistry) Lookup(host string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[normalizedHost]
	return route, ok
}

// ByName 按作用域名称查找，供诊断接口使用。
func (r *ScopeRegistry) ByName(name string) (*ScopeRoute, bool) {
	for _, route := range r.List() {
		if route.Name == name {
			return route, true
		}
	}
	return nil, false
}

// List 返回当前注册的作用域（按配置定义的顺序）。
func (r *ScopeRegistry) List() []*ScopeRoute {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*ScopeRoute, len(r.ordered))
	copy(result, r.ordered)
	return result
}

// Start installs and activates every scope concurrently. A scope whose
// install fails keeps passing requests through to its origin; the failure
// is logged and does not stop the other scopes.
func (r *ScopeRegistry) Start(ctx context.Context) {
	var g errgroup.Group
	for _, route := range r.List() {
		g.Go(func() error {
			r.startRoute(ctx, route)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *ScopeRegistry) startRoute(ctx context.Context, route *ScopeRoute) {
	entry := r.deps.Logger.WithFields(logrus.Fields{
		"action": "scope_start",
		"scope":  route.Name,
		"domain": route.Domain,
	})
	if err := route.Worker.Start(ctx); err != nil {
		entry.WithError(err).Error("scope_start_failed")
		return
	}
	active, _ := route.Worker.Active()
	entry.WithField("generation", active).Info("scope_ready")
}

// Reload applies a changed configuration. Scopes whose generation, manifest,
// shell or strategy bindings changed are updated in place; new scopes are
// added and started; scopes missing from cfg stop being routed. Changing a
// scope's domain or origin, or the listen port, requires a restart.
func (r *ScopeRegistry) Reload(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	logger := r.deps.Logger.WithField("action", "config_reload")
	if cfg.Global.ListenPort != r.port {
		logger.WithField("listen_port", cfg.Global.ListenPort).Warn("listen_port_change_requires_restart")
	}

	seen := make(map[string]struct{}, len(cfg.Scopes))
	var g errgroup.Group
	for _, next := range cfg.Scopes {
		seen[next.Name] = struct{}{}
		route, ok := r.ByName(next.Name)
		if !ok {
			added, err := r.buildRoute(next)
			if err == nil {
				err = r.add(added)
			}
			if err != nil {
				logger.WithError(err).WithField("scope", next.Name).Error("scope_add_failed")
				continue
			}
			logger.WithField("scope", next.Name).Info("scope_added")
			g.Go(func() error {
				r.startRoute(ctx, added)
				return nil
			})
			continue
		}

		current := route.Scope()
		if normalizeDomain(next.Domain) != route.Domain || strings.TrimSuffix(next.Origin, "/") != strings.TrimSuffix(current.Origin, "/") {
			logger.WithField("scope", next.Name).Warn("scope_route_change_requires_restart")
		}
		if current.SameGeneration(next) {
			continue
		}
		g.Go(func() error {
			entry := logger.WithFields(logrus.Fields{
				"scope":      next.Name,
				"generation": next.Generation,
			})
			if err := route.Worker.Update(ctx, next); err != nil {
				entry.WithError(err).Error("scope_update_failed")
				return nil
			}
			entry.Info("scope_updated")
			return nil
		})
	}
	_ = g.Wait()

	for _, route := range r.List() {
		if _, ok := seen[route.Name]; ok {
			continue
		}
		r.remove(route.Name)
		logger.WithField("scope", route.Name).Warn("scope_removed")
	}
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
