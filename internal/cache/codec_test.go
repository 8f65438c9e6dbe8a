package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeResponseDropsFramingHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Transfer-Encoding", "chunked")
	header.Set("Content-Length", "999")
	header.Set("ETag", `"abc"`)

	blob, err := EncodeResponse(&Response{StatusCode: http.StatusOK, Header: header, Body: []byte("hello")})
	require.NoError(t, err)

	got, err := DecodeResponse(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Body))
	assert.Equal(t, `"abc"`, got.Header.Get("ETag"))
	assert.Empty(t, got.Header.Get("Content-Length"))
	assert.Empty(t, got.Header.Get("Transfer-Encoding"))
}

func TestEncodeResponseEmptyBody(t *testing.T) {
	blob, err := EncodeResponse(&Response{StatusCode: http.StatusGatewayTimeout})
	require.NoError(t, err)
	got, err := DecodeResponse(blob)
	require.NoError(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, got.StatusCode)
	assert.Empty(t, got.Body)
}

func TestDecodeResponseRejectsGarbage(t *testing.T) {
	_, err := DecodeResponse([]byte("not http"))
	assert.Error(t, err)
}

func TestParseKeyResolvesManifestPaths(t *testing.T) {
	cases := map[string]string{
		"./":                   "/",
		"./index.html":         "/index.html",
		"manifest.json":        "/manifest.json",
		"./icons/icon-192.png": "/icons/icon-192.png",
		"/data.json?v=2":       "/data.json?v=2",
	}
	for ref, want := range cases {
		key, err := ParseKey(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, http.MethodGet, key.Method)
		assert.Equal(t, want, key.URL, ref)
	}

	for _, ref := range []string{"", "https://cdn.example.com/app.js", "//cdn.example.com/x"} {
		_, err := ParseKey(ref)
		assert.Error(t, err, ref)
	}
}

func TestKeyFromRequestMatchesManifestKey(t *testing.T) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://app.example.com/index.html", nil)
	require.NoError(t, err)
	manifest, err := ParseKey("./index.html")
	require.NoError(t, err)
	assert.Equal(t, manifest, KeyFromRequest(req))
	assert.Equal(t, "GET /index.html", manifest.String())
}

func TestResponseCloneIsDeep(t *testing.T) {
	orig := sampleResponse("body")
	clone := orig.Clone()
	clone.Body[0] = 'B'
	clone.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, "body", string(orig.Body))
	assert.Equal(t, "text/html; charset=utf-8", orig.Header.Get("Content-Type"))
	assert.True(t, orig.OK())
	assert.False(t, (&Response{StatusCode: http.StatusNotModified}).OK())
}

func TestResponseForStorageDropsCookies(t *testing.T) {
	orig := sampleResponse("body")
	orig.Header.Set("ETag", `"v1"`)

	stored := orig.ForStorage()
	assert.Empty(t, stored.Header.Values("Set-Cookie"))
	assert.Equal(t, `"v1"`, stored.Header.Get("ETag"))
	assert.Equal(t, "body", string(stored.Body))
	assert.Len(t, orig.Header.Values("Set-Cookie"), 2)

	assert.NotNil(t, (&Response{StatusCode: http.StatusOK}).ForStorage().Header)
	assert.Nil(t, (*Response)(nil).ForStorage())
}
