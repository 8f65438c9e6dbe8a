package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/worker"
)

// 拦截响应附带的诊断头。
const (
	HeaderCategory   = "X-Shellcache-Category"
	HeaderGeneration = "X-Shellcache-Generation"
	HeaderSource     = "X-Shellcache-Source"
	HeaderStrategy   = "X-Shellcache-Strategy"
)

// passthrough 原因，写入日志。
const (
	reasonNotIntercepted = "not_intercepted"
	reasonInactive       = "no_active_generation"
)

// Handler 把 Fiber 请求转换为 net/http 请求交给作用域的 worker；未被拦截的请求原样转发到源站。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := buildRequest(ctx, c)
	if err != nil {
		h.logPassthrough(route, requestPath(c), requestID, reasonNotIntercepted, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))
	req = req.WithContext(ctx)

	outcome, handled, err := route.Worker.Serve(ctx, req)
	if !handled {
		reason := reasonInactive
		if _, ok := worker.Classify(req); !ok {
			reason = reasonNotIntercepted
		}
		return h.passthrough(c, route, req, reason, requestID, started)
	}
	if err == nil && outcome.Result.Response == nil {
		err = fmt.Errorf("strategy %s returned no response", outcome.Strategy)
	}
	if err != nil {
		h.logResult(route, req, outcome, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := outcome.Result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCategory, string(outcome.Category))
	c.Set(HeaderGeneration, outcome.Generation)
	c.Set(HeaderSource, string(outcome.Result.Source))
	c.Set(HeaderStrategy, outcome.Strategy)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	h.logResult(route, req, outcome, requestID, resp.StatusCode, started, nil)
	return c.Send(resp.Body)
}

// passthrough 把请求原样转发到源站，并把响应流式写回。
func (h *Handler) passthrough(c fiber.Ctx, route *server.ScopeRoute, req *http.Request, reason, requestID string, started time.Time) error {
	resp, err := route.Upstream.Forward(req.Context(), req)
	if err != nil {
		h.logPassthrough(route, req.URL.Path, requestID, reason, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	setRequestIDHeader(c, requestID)
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logPassthrough(route, req.URL.Path, requestID, reason, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logPassthrough(route, req.URL.Path, requestID, reason, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// buildRequest 把 fasthttp 请求转换为 net/http 请求，URL 只保留路径与查询串。
func buildRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	uri := string(c.Request().URI().RequestURI())
	if uri == "" {
		uri = "/"
	}
	body := append([]byte(nil), c.Body()...)
	req, err := http.NewRequestWithContext(ctx, c.Method(), uri, bytesReader(body))
	if err != nil {
		return nil, err
	}
	req.ContentLength = int64(len(body))
	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = c.Hostname()

	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	setRequestIDHeader(c, server.RequestID(c))
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.ScopeRoute,
	req *http.Request,
	outcome worker.Outcome,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Name,
		route.Domain,
		outcome.Generation,
		string(outcome.Category),
		outcome.Strategy,
		string(outcome.Result.Source),
	)
	fields["action"] = "proxy"
	fields["path"] = req.URL.Path
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("policy_failed")
		return
	}
	h.logger.WithFields(fields).Info("policy_complete")
}

func (h *Handler) logPassthrough(
	route *server.ScopeRoute,
	path string,
	requestID string,
	reason string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.PassthroughFields(route.Name, route.Domain, reason)
	fields["action"] = "proxy"
	fields["path"] = path
	fields["upstream"] = route.Upstream.Origin().String()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("passthrough_failed")
		return
	}
	h.logger.WithFields(fields).Info("passthrough_complete")
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	pathVal := string(c.Request().URI().Path())
	if pathVal == "" {
		return "/"
	}
	return pathVal
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 跳过 hop-by-hop 头；Content-Length 由 fasthttp 按实际正文重新计算。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
