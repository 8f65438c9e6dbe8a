package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Backend 表示一个物理存储（目录、数据库或表），按 scope 切分命名空间。
type Backend interface {
	// Namespace 返回 scope 专属的 Store，不同 scope 之间的代际互不可见。
	Namespace(scope string) Store
	Close() error
}

// Store 管理单个 scope 下的全部代际（generation）。
type Store interface {
	// Open 打开（或新建）指定名称的代际，重复调用返回同一份数据。
	Open(ctx context.Context, generation string) (Generation, error)

	// ListGenerations 返回当前存在的全部代际名称，按字典序排列。
	ListGenerations(ctx context.Context) ([]string, error)

	// Delete 删除整个代际及其条目，返回删除前该代际是否存在。
	Delete(ctx context.Context, generation string) (bool, error)
}

// Generation 是一组以请求为键的响应快照。
type Generation interface {
	Name() string

	// Match 返回与 key 对应的响应副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 覆盖写入 key 对应的响应。代际已被删除时返回 ErrGenerationMissing。
	Put(ctx context.Context, key Key, resp *Response) error

	// Keys 返回代际内全部条目的键。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationMissing 表示写入目标代际已被删除。
	ErrGenerationMissing = errors.New("cache generation missing")
	// ErrEntryTooLarge 表示响应超出后端单条记录的容量。
	ErrEntryTooLarge = errors.New("cache entry too large")
)

// Key 以方法 + 站内 URL（路径与查询串）标识一个缓存条目。
type Key struct {
	Method string
	URL    string
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Request 依据 Key 构造一个不带 Host 的请求，由上游客户端补全 origin。
func (k Key) Request(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, k.Method, k.URL, nil)
}

// KeyFromRequest 提取请求的缓存键，忽略 scheme 与 host。
func KeyFromRequest(r *http.Request) Key {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: strings.ToUpper(method), URL: requestURI(r.URL)}
}

// ParseKey 将清单中的相对路径（如 "./index.html"）解析为以 "/" 为根的 GET 键。
func ParseKey(ref string) (Key, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Key{}, errors.New("empty asset path")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Key{}, fmt.Errorf("parse asset %q: %w", ref, err)
	}
	if u.Scheme != "" || u.Host != "" {
		return Key{}, fmt.Errorf("asset %q must be a path relative to the scope", ref)
	}
	root := &url.URL{Path: "/"}
	return Key{Method: http.MethodGet, URL: requestURI(root.ResolveReference(u))}, nil
}

func requestURI(u *url.URL) string {
	if u == nil {
		return "/"
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		return p + "?" + u.RawQuery
	}
	return p
}

// Response 是缓存中的响应快照，正文已完整读入内存。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK 对应 fetch 语义中的 res.ok，即 2xx 状态。
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// privateHeaders 只属于发起请求的那个客户端，缓存由所有客户端共享，不能保存。
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// ForStorage returns a deep copy suitable for a shared store: headers that
// belong to a single client are removed.
func (r *Response) ForStorage() *Response {
	stored := r.Clone()
	if stored == nil {
		return nil
	}
	if stored.Header == nil {
		stored.Header = http.Header{}
	}
	for _, name := range privateHeaders {
		stored.Header.Del(name)
	}
	return stored
}

// Clone 深拷贝响应，写入缓存与返回调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
	}
}
