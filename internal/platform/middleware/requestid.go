// Package middleware holds the HTTP middleware shared by the proxy's route
// groups: request identifiers, structured request logging, panic recovery,
// body limits, and security headers.
package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// RequestID attaches a request identifier to the context and echoes it in the
// response. An identifier supplied by the caller is preserved so requests can
// be correlated across the proxy and its upstreams.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
