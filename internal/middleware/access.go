package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/accesslog"
	"s3front-proxy-go/internal/model"
)

// AccessLog returns an Echo middleware that appends one access-log line per
// request. The rewritten URI, upstream address and upstream latency are
// picked up from context values the proxy handler sets; service endpoints
// (health, metrics) that never touch the upstream leave those empty.
//
// A nil writer disables the middleware's output without changing the chain.
func AccessLog(w *accesslog.Writer) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}

			rec := &model.RequestRecord{
				Time:       start,
				ClientAddr: c.Request().RemoteAddr,
				Host:       c.Request().Host,
				Method:     c.Request().Method,
				URI:        c.Request().RequestURI,
				Status:     status,
				TotalTime:  time.Since(start),
			}
			if v, ok := c.Get(model.CtxRewrittenURI).(string); ok {
				rec.RewrittenURI = v
			}
			if v, ok := c.Get(model.CtxUpstreamAddr).(string); ok {
				rec.UpstreamAddr = v
			}
			if v, ok := c.Get(model.CtxUpstreamElapsed).(time.Duration); ok {
				rec.UpstreamTime = v
			}

			w.Record(rec)

			return err
		}
	}
}
