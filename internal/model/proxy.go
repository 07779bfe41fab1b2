// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"time"
)

// HopByHopHeaders are connection-scoped headers (RFC 9110 §7.6.1) that must
// not travel past a proxy hop. Both the inbound middleware and the forward
// path strip from this one list. Host is handled separately: rewritten, not
// dropped.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Echo context keys used to hand per-request forwarding results from the
// proxy handler to the access-log middleware.
const (
	CtxRewrittenURI    = "s3front.rewritten_uri"
	CtxUpstreamAddr    = "s3front.upstream_addr"
	CtxUpstreamElapsed = "s3front.upstream_elapsed"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	// URI is the raw request-URI as received from the client, including
	// the query string, with no normalization applied.
	URI string
	// Host is the client-supplied Host header value.
	Host   string
	Header http.Header
	Body   io.ReadCloser
	// ContentLength mirrors the inbound request's ContentLength; -1 means
	// unknown. net/http ignores a manually set Content-Length header, so
	// the value has to travel out of band.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	// Elapsed is the time from sending the request until the upstream
	// response headers arrived.
	Elapsed time.Duration
}

// RequestRecord is the ephemeral per-request record written to the access
// log. It is built after the response completes and never persisted beyond
// the log line.
type RequestRecord struct {
	Time         time.Time
	ClientAddr   string
	Host         string
	UpstreamAddr string
	Method       string
	URI          string
	RewrittenURI string
	Status       int
	UpstreamTime time.Duration
	TotalTime    time.Duration
}
