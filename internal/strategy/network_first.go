package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shellcache/shellcache/internal/cache"
)

func init() {
	MustRegister(Definition{
		Key:         KeyNetworkFirst,
		Description: "fetch from the network and refresh the cache; on failure serve the cached copy, then the app shell",
		Policy:      NetworkFirst(),
	})
}

// NetworkFirst 返回网络优先策略：网络可达时总是返回实时响应（无论状态码）并在后台写入缓存；
// 网络失败时依次回退到精确匹配与 shell。
func NetworkFirst() Policy {
	return PolicyFunc(networkFirst)
}

func networkFirst(ctx context.Context, req *http.Request, env Env) (Result, error) {
	key := cache.KeyFromRequest(req)
	resp, err := env.Fetcher.Fetch(ctx, req)
	if err == nil {
		storeCopy(ctx, env, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}

	env.logger().WithError(err).WithField("cache_key", key.String()).Debug("network_first_fetch_failed")
	if cached, ok := match(ctx, env, key); ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}
	if cached, ok := match(ctx, env, env.Shell); ok {
		return Result{Response: cached, Source: SourceFallback}, nil
	}
	return Result{}, fmt.Errorf("%w: %s: %v", ErrNoFallback, key, err)
}
