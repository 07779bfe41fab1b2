// Package client provides the HTTP client for the storage-worker upstream.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/metrics"
	"s3front-proxy-go/internal/model"
)

// UpstreamClient sends requests to the storage-worker upstream.
type UpstreamClient struct {
	httpClient *http.Client
	sendBudget time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and the
// configured timeout model: the dialer bounds connection establishment, the
// transport's ResponseHeaderTimeout bounds the wait for the first response
// byte, and an aggregate connect+send+read budget bounds the request-write
// phase (net/http exposes no direct write deadline). There is no overall
// client timeout so long streamed response bodies are never cut off.
//
// The metrics parameter is optional; pass nil to disable upstream metrics
// recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.ReadTimeout(),
		DialContext: (&net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{Transport: transport},
		sendBudget: cfg.Upstream.ConnectTimeout() + cfg.Upstream.SendTimeout() + cfg.Upstream.ReadTimeout(),
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"uri", req.URL.RequestURI(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	elapsed := time.Since(start)

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(elapsed.Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Elapsed:    elapsed,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
//
// The provided context controls the lifetime of the upstream request: when
// it is canceled (e.g. client disconnects) the upstream request is also
// canceled. On top of that, the connect+send+read budget cancels requests
// that stall before response headers arrive; the budget timer is disarmed
// once headers are in, so it never aborts body streaming. A connection that
// hit the budget is closed, not returned to the pool.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, host string, header http.Header, body io.Reader, contentLength int64) (*model.ProxyResponse, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	req.Host = host
	if body != nil {
		// Propagate the inbound length so uploads keep a Content-Length
		// instead of degrading to chunked encoding.
		req.ContentLength = contentLength
	}

	// A zero budget disables the aggregate bound; the transport-level
	// timeouts still apply.
	var timer *time.Timer
	if c.sendBudget > 0 {
		timer = time.AfterFunc(c.sendBudget, cancel)
	}

	resp, err := c.Do(req)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelReadCloser releases the request context when the body is closed.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
