package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

// EncodeResponse 将响应序列化为 HTTP/1.1 报文，所有后端共用该格式。
func EncodeResponse(resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, errors.New("nil response")
	}
	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Transfer-Encoding")
	header.Del("Content-Length")

	wire := &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: int64(len(resp.Body)),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
	}
	return httputil.DumpResponse(wire, true)
}

// DecodeResponse 解析 EncodeResponse 产出的报文。
func DecodeResponse(payload []byte) (*Response, error) {
	wire, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(payload)), nil)
	if err != nil {
		return nil, fmt.Errorf("decode cached response: %w", err)
	}
	defer wire.Body.Close()

	body, err := io.ReadAll(wire.Body)
	if err != nil {
		return nil, fmt.Errorf("decode cached body: %w", err)
	}
	header := wire.Header
	header.Del("Content-Length")
	return &Response{
		StatusCode: wire.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}
