package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NewFileBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。磁盘布局：
//
//	<StoragePath>/<scope>/<generation>/<sha1(key)>
//
// 每个条目文件首行为缓存键，其后为 EncodeResponse 产出的报文。
func NewFileBackend(basePath string) (Backend, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		gens:     make(map[string]*sync.RWMutex),
	}, nil
}

// fileBackend 通过 entryLock 避免同一条目并发写入，通过代际读写锁隔离 Put 与 Delete。
type fileBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
	gens  map[string]*sync.RWMutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fileBackend) Namespace(scope string) Store {
	return &fileStore{backend: b, scope: scope}
}

func (b *fileBackend) Close() error { return nil }

type fileStore struct {
	backend *fileBackend
	scope   string
}

type fileGeneration struct {
	store *fileStore
	name  string
	dir   string
}

func (s *fileStore) Open(ctx context.Context, generation string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.dir(generation)
	if err != nil {
		return nil, err
	}
	lock := s.backend.generationLock(s.scope, generation)
	lock.RLock()
	defer lock.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generation %s: %w", generation, err)
	}
	return &fileGeneration{store: s, name: generation, dir: dir}, nil
}

func (s *fileStore) ListGenerations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := s.root()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.dir(generation)
	if err != nil {
		return false, err
	}
	lock := s.backend.generationLock(s.scope, generation)
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 先整体改名再删除，避免删除中途失败留下半个代际。
	trash, err := os.MkdirTemp(filepath.Dir(dir), ".trash-*")
	if err != nil {
		return false, err
	}
	target := filepath.Join(trash, generation)
	if err := os.Rename(dir, target); err != nil {
		os.Remove(trash)
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge generation %s: %w", generation, err)
	}
	return true, nil
}

func (s *fileStore) root() (string, error) {
	if err := validateSegment("scope", s.scope); err != nil {
		return "", err
	}
	return filepath.Join(s.backend.basePath, s.scope), nil
}

func (s *fileStore) dir(generation string) (string, error) {
	root, err := s.root()
	if err != nil {
		return "", err
	}
	if err := validateGenerationName(generation); err != nil {
		return "", err
	}
	dir := filepath.Join(root, generation)
	if !strings.HasPrefix(dir, root+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return dir, nil
}

func (g *fileGeneration) Name() string { return g.name }

func (g *fileGeneration) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(g.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	stored, blob, err := splitEntry(payload)
	if err != nil {
		return nil, err
	}
	if stored != key.String() {
		// sha1 冲突或文件被篡改，按未命中处理。
		return nil, ErrNotFound
	}
	return DecodeResponse(blob)
}

func (g *fileGeneration) Put(ctx context.Context, key Key, resp *Response) error {
	blob, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	genLock := g.store.backend.generationLock(g.store.scope, g.name)
	genLock.RLock()
	defer genLock.RUnlock()

	if _, err := os.Stat(g.dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrGenerationMissing
		}
		return err
	}

	filePath := g.path(key)
	unlock := g.store.backend.lockEntry(filePath)
	defer unlock()

	tempFile, err := os.CreateTemp(g.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	body := io.MultiReader(strings.NewReader(key.String()+"\n"), bytes.NewReader(blob))
	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (g *fileGeneration) Keys(ctx context.Context) ([]Key, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Key{}, nil
		}
		return nil, err
	}
	keys := make([]Key, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		line, err := readKeyLine(filepath.Join(g.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		method, target, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		keys = append(keys, Key{Method: method, URL: target})
	}
	sortKeys(keys)
	return keys, nil
}

func (g *fileGeneration) path(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(g.dir, hex.EncodeToString(sum[:]))
}

func (b *fileBackend) generationLock(scope, generation string) *sync.RWMutex {
	id := scope + "::" + generation
	b.mu.Lock()
	defer b.mu.Unlock()
	lock := b.gens[id]
	if lock == nil {
		lock = &sync.RWMutex{}
		b.gens[id] = lock
	}
	return lock
}

func (b *fileBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

func splitEntry(payload []byte) (string, []byte, error) {
	idx := bytes.IndexByte(payload, '\n')
	if idx < 0 {
		return "", nil, errors.New("corrupt cache entry")
	}
	return string(payload[:idx]), payload[idx+1:], nil
}

func readKeyLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read cache key %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSuffix(line, "\n"), nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

// validateGenerationName 拒绝空值以及可能逃逸目录或与内部文件冲突的名称。
func validateGenerationName(name string) error {
	return validateSegment("generation", name)
}

func validateSegment(kind, name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%s name required", kind)
	case name == "." || name == "..":
		return fmt.Errorf("invalid %s name %q", kind, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%s name %q must not start with '.'", kind, name)
	case strings.ContainsAny(name, "/\\\x00#"):
		return fmt.Errorf("%s name %q contains reserved characters", kind, name)
	}
	return nil
}
