package strategy

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shellcache/shellcache/internal/cache"
)

func init() {
	MustRegister(Definition{
		Key:         KeyStaleWhileRevalidate,
		Description: "serve the cached copy immediately and refresh it in the background; wait for the network only on a miss",
		Policy:      StaleWhileRevalidate(),
	})
}

// StaleWhileRevalidate returns the policy used for data documents. The
// network fetch always starts before the cache lookup and always runs to
// completion, so a cache hit still refreshes the entry for the next request.
// Only 2xx responses are written back. When both the cache and the network
// fail the caller gets a synthetic 504 with an empty body.
func StaleWhileRevalidate() Policy {
	return PolicyFunc(staleWhileRevalidate)
}

func staleWhileRevalidate(ctx context.Context, req *http.Request, env Env) (Result, error) {
	key := cache.KeyFromRequest(req)
	gen := env.Generation

	network := make(chan *cache.Response, 1)
	env.Tasks.Go(ctx, "revalidate "+key.String(), func(ctx context.Context) error {
		resp, err := env.Fetcher.Fetch(ctx, req)
		if err != nil {
			network <- nil
			return fmt.Errorf("revalidate %s: %w", key, err)
		}
		network <- resp
		if !resp.OK() || gen == nil {
			return nil
		}
		return gen.Put(ctx, key, resp.ForStorage())
	})

	if cached, ok := match(ctx, env, key); ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}

	select {
	case resp := <-network:
		if resp == nil {
			return Result{Response: gatewayTimeout(), Source: SourceSynthetic}, nil
		}
		return Result{Response: resp.Clone(), Source: SourceNetwork}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
