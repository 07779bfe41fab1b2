package middleware

import (
	"github.com/labstack/echo/v4"

	"s3front-proxy-go/internal/model"
)

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from incoming requests. Authorization is
// deliberately left alone: SigV4 credentials are opaque to this layer and
// travel upstream verbatim.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Strip hop-by-hop headers from incoming request
			for _, h := range model.HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			err := next(c)

			// Add security headers to response
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return err
		}
	}
}
