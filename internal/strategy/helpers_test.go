package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/shellcache/shellcache/internal/cache"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeFetcher answers from a path table; paths absent from the table fail
// like an unreachable network.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	offline   bool
	gate      chan struct{}
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{responses: make(map[string]*cache.Response), calls: make(map[string]int)}
}

func (f *fakeFetcher) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[path] = &cache.Response{StatusCode: status, Header: http.Header{"Content-Type": {"text/plain"}}, Body: []byte(body)}
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL.Path]++
	if f.offline {
		return nil, errOffline
	}
	resp, ok := f.responses[req.URL.Path]
	if !ok {
		return nil, errOffline
	}
	return resp.Clone(), nil
}

type fixture struct {
	gen     cache.Generation
	fetcher *fakeFetcher
	tasks   *Tasks
	hook    *test.Hook
	env     Env
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen, err := cache.NewMemoryBackend().Namespace("app").Open(context.Background(), "v1")
	if err != nil {
		t.Fatalf("open generation: %v", err)
	}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	fetcher := newFakeFetcher()
	tasks := NewTasks(logger)
	shell, _ := cache.ParseKey("./index.html")
	return &fixture{
		gen:     gen,
		fetcher: fetcher,
		tasks:   tasks,
		hook:    hook,
		env: Env{
			Generation: gen,
			Fetcher:    fetcher,
			Shell:      shell,
			Tasks:      tasks,
			Logger:     logger,
		},
	}
}

func (f *fixture) seed(t *testing.T, path string, body string) {
	t.Helper()
	key := cache.Key{Method: http.MethodGet, URL: path}
	resp := &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
	if err := f.gen.Put(context.Background(), key, resp); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func (f *fixture) cached(t *testing.T, path string) (string, bool) {
	t.Helper()
	resp, err := f.gen.Match(context.Background(), cache.Key{Method: http.MethodGet, URL: path})
	if errors.Is(err, cache.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatalf("match %s: %v", path, err)
	}
	return string(resp.Body), true
}

func newGet(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://app.local"+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return req
}

// slowGeneration holds every Put until release is closed.
type slowGeneration struct {
	cache.Generation
	release chan struct{}
}

func (g *slowGeneration) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	<-g.release
	return g.Generation.Put(ctx, key, resp)
}
