package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/model"
	"s3front-proxy-go/internal/service"
)

// ProxyHandler forwards storage requests to the worker upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle rewrites the request path, forwards it upstream and streams the
// response back unmodified.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	originalURI := req.RequestURI

	// Record forwarding facts for the access-log middleware regardless of
	// the outcome; a failed forward still produces a log line.
	c.Set(model.CtxRewrittenURI, h.service.RewriteURI(originalURI))
	c.Set(model.CtxUpstreamAddr, h.service.UpstreamAddr())

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URI:           originalURI,
		Host:          req.Host,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	c.Set(model.CtxUpstreamElapsed, resp.Elapsed)

	// Copy upstream response headers verbatim.
	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the status code
	// has already been sent and the client receives a truncated response.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"uri", originalURI,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"uri", c.Request().RequestURI,
	)

	if errors.Is(err, service.ErrBadRequestURI) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed request URI",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		// The send budget cancels stalled requests; the client sees a
		// gateway timeout unless it disconnected itself.
		if c.Request().Context().Err() != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "client disconnected",
			})
		}
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
