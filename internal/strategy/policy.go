// Package strategy implements the caching policies a worker dispatches
// intercepted requests to: network-first, stale-while-revalidate and
// cache-first. Policies are registered by key in a package-level registry so
// scopes can rebind categories from configuration.
package strategy

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
)

// ErrNoFallback 表示网络失败且缓存中既无精确匹配也无 shell，调用方应返回网关错误。
var ErrNoFallback = errors.New("no cached fallback available")

// Source 标记最终响应的来源，写入 X-Shellcache-Source 头。
type Source string

const (
	SourceNetwork   Source = "network"
	SourceCache     Source = "cache"
	SourceFallback  Source = "fallback"
	SourceSynthetic Source = "synthetic"
)

// Fetcher performs a live network fetch for an intercepted request. The
// returned response is fully buffered; transport failures are returned as
// errors while any HTTP status counts as a completed fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Env 汇总策略执行所需的依赖，由 worker 在每次派发时构造。
type Env struct {
	Generation cache.Generation
	Fetcher    Fetcher
	// Shell 是网络与精确匹配都失败时兜底的应用外壳键。
	Shell  cache.Key
	Tasks  *Tasks
	Logger logrus.FieldLogger
}

func (e Env) logger() logrus.FieldLogger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// Result is the response a policy settled on.
type Result struct {
	Response *cache.Response
	Source   Source
}

// Policy turns one intercepted request into a response.
type Policy interface {
	Respond(ctx context.Context, req *http.Request, env Env) (Result, error)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(ctx context.Context, req *http.Request, env Env) (Result, error)

// Respond makes PolicyFunc satisfy Policy.
func (f PolicyFunc) Respond(ctx context.Context, req *http.Request, env Env) (Result, error) {
	return f(ctx, req, env)
}

// match 查询当前代际；未命中或读取失败都视为没有缓存。
func match(ctx context.Context, env Env, key cache.Key) (*cache.Response, bool) {
	if env.Generation == nil {
		return nil, false
	}
	resp, err := env.Generation.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			env.logger().WithError(err).WithField("cache_key", key.String()).Warn("cache_match_failed")
		}
		return nil, false
	}
	return resp, true
}

// storeCopy 在后台写入响应副本，不阻塞调用方。
func storeCopy(ctx context.Context, env Env, key cache.Key, resp *cache.Response) {
	if env.Generation == nil || resp == nil {
		return
	}
	copied := resp.ForStorage()
	gen := env.Generation
	env.Tasks.Go(ctx, "cache_put "+key.String(), func(ctx context.Context) error {
		return gen.Put(ctx, key, copied)
	})
}

func gatewayTimeout() *cache.Response {
	return &cache.Response{StatusCode: http.StatusGatewayTimeout, Header: http.Header{}}
}
