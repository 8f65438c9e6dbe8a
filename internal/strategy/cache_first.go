package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shellcache/shellcache/internal/cache"
)

func init() {
	MustRegister(Definition{
		Key:         KeyCacheFirst,
		Description: "serve from the cache without touching the network; on a miss fetch and store, falling back to the app shell",
		Policy:      CacheFirst(),
	})
}

// CacheFirst 返回缓存优先策略，用于带版本的静态资源：命中时完全不访问网络。
func CacheFirst() Policy {
	return PolicyFunc(cacheFirst)
}

func cacheFirst(ctx context.Context, req *http.Request, env Env) (Result, error) {
	key := cache.KeyFromRequest(req)
	if cached, ok := match(ctx, env, key); ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	resp, err := env.Fetcher.Fetch(ctx, req)
	if err == nil {
		storeCopy(ctx, env, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	env.logger().WithError(err).WithField("cache_key", key.String()).Debug("cache_first_fetch_failed")
	if cached, ok := match(ctx, env, env.Shell); ok {
		return Result{Response: cached, Source: SourceFallback}, nil
	}
	return Result{}, fmt.Errorf("%w: %s: %v", ErrNoFallback, key, err)
}
