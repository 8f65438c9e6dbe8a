package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/strategy"
)

// originStub 是一个可切换离线的 httptest 源站。
type originStub struct {
	*httptest.Server

	mu      sync.Mutex
	bodies  map[string]string
	offline bool
	hits    map[string]int
	lastReq *http.Request
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()
	o := &originStub{bodies: make(map[string]string), hits: make(map[string]int)}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		offline := o.offline
		body, ok := o.bodies[r.URL.Path]
		o.hits[r.URL.Path]++
		o.lastReq = r.Clone(r.Context())
		o.mu.Unlock()
		if offline {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *originStub) serve(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bodies[path] = body
}

func (o *originStub) setOffline(offline bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = offline
}

func (o *originStub) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *originStub) last() *http.Request {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReq
}

func testScope(name, domain, origin, generation string) config.ScopeConfig {
	return config.ScopeConfig{
		Name:       name,
		Domain:     domain,
		Origin:     origin,
		Generation: generation,
		Shell:      config.DefaultShell,
		Assets:     []string{"./", "./index.html"},
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestRegistry(t *testing.T, cfg *config.Config) (*ScopeRegistry, cache.Backend) {
	t.Helper()
	backend := cache.NewMemoryBackend()
	logger := quietLogger()
	registry, err := NewScopeRegistry(cfg, RegistryDeps{
		Backend: backend,
		Tasks:   strategy.NewTasks(logger),
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry, backend
}

func newBackend() cache.Backend {
	return cache.NewMemoryBackend()
}
