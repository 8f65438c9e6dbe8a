package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/shellcache/shellcache/internal/cache"
)

var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}

// Upstream talks to the origin of one scope. Request paths are resolved
// against the origin URL, so an origin with a path prefix serves the scope
// from that prefix.
type Upstream struct {
	client *http.Client
	origin *url.URL
}

// NewUpstream parses origin and binds it to the shared client.
func NewUpstream(client *http.Client, origin string) (*Upstream, error) {
	if client == nil {
		return nil, errors.New("upstream client is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: scheme and host required", origin)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.RawPath = ""
	return &Upstream{client: client, origin: parsed}, nil
}

// Origin 返回解析后的源站地址副本。
func (u *Upstream) Origin() *url.URL {
	clone := *u.origin
	return &clone
}

// Target 把作用域内的请求路径映射为源站绝对地址。
func (u *Upstream) Target(ref *url.URL) *url.URL {
	target := u.Origin()
	p := "/"
	if ref != nil {
		if ref.Path != "" {
			p = ref.Path
		}
		target.RawQuery = ref.RawQuery
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	target.Path = u.origin.Path + p
	return target
}

// Fetch performs a network fetch on behalf of a policy or the installer and
// buffers the whole body so the response can be stored and served.
// Transport failures are returned as errors; any HTTP status is a response.
func (u *Upstream) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	out, err := u.newRequest(ctx, req, http.NoBody)
	if err != nil {
		return nil, err
	}
	// 交给 transport 处理压缩，缓存中只保存解码后的正文。
	out.Header.Del("Accept-Encoding")
	out.Header.Del("Range")
	// 浏览器的条件头只对它自己的 HTTP 缓存有意义；带上它们会让源站返回无正文的 304。
	for _, name := range conditionalHeaders {
		out.Header.Del(name)
	}

	resp, err := u.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

// Forward relays a request the worker did not intercept. The caller owns the
// returned body.
func (u *Upstream) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := u.newRequest(ctx, req, body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = req.ContentLength
	return u.client.Do(out)
}

func (u *Upstream) newRequest(ctx context.Context, req *http.Request, body io.Reader) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := u.Target(req.URL)
	out, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(out.Header, req.Header)
	out.Header.Del("Host")
	out.Host = target.Host
	return out, nil
}
