package worker

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shellcache/shellcache/internal/strategy"
)

const tracerName = "github.com/shellcache/shellcache/internal/worker"

// DefaultStrategies 返回默认的分类与策略绑定。
func DefaultStrategies() map[Category]string {
	return map[Category]string{
		CategoryNavigation: strategy.KeyNetworkFirst,
		CategoryData:       strategy.KeyStaleWhileRevalidate,
		CategoryStatic:     strategy.KeyCacheFirst,
	}
}

type binding struct {
	key    string
	policy strategy.Policy
}

// Dispatcher maps each request category to exactly one policy.
type Dispatcher struct {
	mu       sync.RWMutex
	bindings map[Category]binding
}

// NewDispatcher 以默认绑定为基础，按 overrides（分类 → 策略键）覆盖。
func NewDispatcher(overrides map[string]string) (*Dispatcher, error) {
	d := &Dispatcher{bindings: make(map[Category]binding)}
	for cat, key := range DefaultStrategies() {
		if err := d.Bind(cat, key); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cat, ok := ParseCategory(name)
		if !ok {
			return nil, fmt.Errorf("unknown request category %q", name)
		}
		if err := d.Bind(cat, overrides[name]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Bind resolves key in the strategy registry and binds it to cat.
func (d *Dispatcher) Bind(cat Category, key string) error {
	def, ok := strategy.Resolve(key)
	if !ok {
		return fmt.Errorf("unknown strategy %q for category %s", key, cat)
	}
	d.Register(cat, def.Key, def.Policy)
	return nil
}

// Register binds a policy directly, replacing any previous binding.
func (d *Dispatcher) Register(cat Category, key string, policy strategy.Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings[cat] = binding{key: key, policy: policy}
}

// Lookup 返回分类当前绑定的策略键与实现。
func (d *Dispatcher) Lookup(cat Category) (string, strategy.Policy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[cat]
	return b.key, b.policy, ok
}

// Bindings 返回分类到策略键的快照，供诊断输出。
func (d *Dispatcher) Bindings() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.bindings))
	for cat, b := range d.bindings {
		out[string(cat)] = b.key
	}
	return out
}

// Dispatch applies the policy bound to cat and returns its result together
// with the strategy key that produced it.
func (d *Dispatcher) Dispatch(ctx context.Context, req *http.Request, cat Category, env strategy.Env) (strategy.Result, string, error) {
	key, policy, ok := d.Lookup(cat)
	if !ok {
		return strategy.Result{}, "", fmt.Errorf("no strategy bound to category %s", cat)
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "shellcache.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("shellcache.category", string(cat)),
			attribute.String("shellcache.strategy", key),
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer span.End()
	req = req.WithContext(ctx)

	result, err := policy.Respond(ctx, req, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, key, err
	}
	span.SetAttributes(attribute.String("shellcache.source", string(result.Source)))
	if result.Response != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", result.Response.StatusCode))
	}
	return result, key, nil
}
