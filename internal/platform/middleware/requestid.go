package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = echo.HeaderXRequestID

// maxRequestIDLen bounds client-supplied ids so they cannot bloat logs.
const maxRequestIDLen = 128

// RequestID propagates the caller's X-Request-ID or issues a new one. The id
// is stored under "request_id" on the echo context and echoed on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > maxRequestIDLen {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// RequestIDFromContext returns the id set by RequestID, or "".
func RequestIDFromContext(c echo.Context) string {
	rid, _ := c.Get("request_id").(string)
	return rid
}
