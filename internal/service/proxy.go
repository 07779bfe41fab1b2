// Package service implements the path-rewriting forward logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"s3front-proxy-go/internal/client"
	"s3front-proxy-go/internal/config"
	"s3front-proxy-go/internal/model"
)

// ErrBadRequestURI marks a client request-URI that cannot be forwarded,
// such as a malformed percent-escape. It is client input, not an upstream
// failure, and maps to 400 at the handler.
var ErrBadRequestURI = errors.New("malformed request URI")

// ProxyService rewrites inbound request paths and forwards them to the
// storage-worker upstream.
type ProxyService struct {
	client       *client.UpstreamClient
	cfg          *config.Config
	logger       *slog.Logger
	upstreamAddr string
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:       c,
		cfg:          cfg,
		logger:       logger.With("component", "proxy_service"),
		upstreamAddr: cfg.Upstream.Addr(),
	}
}

// UpstreamAddr returns the host:port the service forwards to.
func (s *ProxyService) UpstreamAddr() string {
	return s.upstreamAddr
}

// RewriteURI returns the URI forwarded upstream for a given inbound
// request-URI. It is plain concatenation: the configured prefix is glued in
// front of the raw URI, query string and escapes untouched, with no path
// normalization ("//" and ".." pass through byte-for-byte). S3 object keys
// may legitimately contain such sequences.
func (s *ProxyService) RewriteURI(originalURI string) string {
	return s.cfg.Upstream.PathPrefix + originalURI
}

// Forward sends a ProxyRequest to the upstream with the path rewrite applied
// and returns the response. The caller is responsible for closing the
// response body.
//
// All request headers are forwarded except hop-by-hop headers and Host,
// which is rewritten to the client-supplied hostname paired with the
// proxy's own listen port. Authorization (SigV4 material) passes through
// verbatim; the upstream authority validates it.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	upstreamURL, err := s.buildUpstreamURL(pr.URI)
	if err != nil {
		return nil, err
	}

	header := s.forwardHeaders(pr.Header)
	host := s.rewriteHost(pr.Host)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"uri", pr.URI,
		"host", host,
	)

	var body io.Reader
	if pr.Body != nil {
		body = pr.Body
	}
	resp, err := s.client.DoStream(pr.Ctx, pr.Method, upstreamURL, host, header, body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	return resp, nil
}

// buildUpstreamURL builds the upstream target URL carrying the rewritten
// URI. The raw path bytes are preserved via RawPath so that the wire-level
// request line is exactly prefix+originalURI.
func (s *ProxyService) buildUpstreamURL(originalURI string) (string, error) {
	rawPath := originalURI
	rawQuery := ""
	if i := strings.IndexByte(originalURI, '?'); i >= 0 {
		rawPath, rawQuery = originalURI[:i], originalURI[i+1:]
	}

	p := s.cfg.Upstream.PathPrefix + rawPath
	u := &url.URL{
		Scheme:   "http",
		Host:     s.upstreamAddr,
		RawPath:  p,
		RawQuery: rawQuery,
	}
	unescaped, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("rewrite uri %q: %w: %w", originalURI, ErrBadRequestURI, err)
	}
	u.Path = unescaped

	return u.String(), nil
}

// rewriteHost pairs the client-supplied hostname with the proxy's listen
// port. The source installer configured exactly this (proxy port, not the
// client's original port); upstream virtual-host routing depends on it, so
// it is preserved as-is.
func (s *ProxyService) rewriteHost(clientHost string) string {
	hostname := clientHost
	if h, _, err := net.SplitHostPort(clientHost); err == nil {
		hostname = h
	}
	if hostname == "" {
		hostname = s.cfg.Server.Host
	}
	return net.JoinHostPort(hostname, strconv.Itoa(s.cfg.Server.Port))
}

// forwardHeaders copies all request headers except hop-by-hop ones.
func (s *ProxyService) forwardHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[key] = vals
	}
	for _, h := range model.HopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
