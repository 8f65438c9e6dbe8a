package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryBackend 构建进程内后端，重启即丢失，主要用于测试与临时部署。
func NewMemoryBackend() Backend {
	return &memoryBackend{scopes: make(map[string]*memoryStore)}
}

type memoryBackend struct {
	mu     sync.Mutex
	scopes map[string]*memoryStore
}

func (b *memoryBackend) Namespace(scope string) Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	store := b.scopes[scope]
	if store == nil {
		store = &memoryStore{generations: make(map[string]*memoryGeneration)}
		b.scopes[scope] = store
	}
	return store
}

func (b *memoryBackend) Close() error { return nil }

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	name  string
	store *memoryStore

	mu      sync.RWMutex
	entries map[Key]*Response
}

func (s *memoryStore) Open(ctx context.Context, generation string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateGenerationName(generation); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.generations[generation]
	if gen == nil {
		gen = &memoryGeneration{name: generation, store: s, entries: make(map[Key]*Response)}
		s.generations[generation] = gen
	}
	return gen, nil
}

func (s *memoryStore) ListGenerations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations[generation]
	delete(s.generations, generation)
	return ok, nil
}

func (s *memoryStore) live(gen *memoryGeneration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[gen.name] == gen
}

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !g.store.live(g) {
		return nil, ErrNotFound
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	resp, ok := g.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (g *memoryGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// 持有 store 读锁，避免与 Delete 交错。
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()
	if g.store.generations[g.name] != g {
		return ErrGenerationMissing
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = resp.Clone()
	return nil
}

func (g *memoryGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	keys := make([]Key, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
