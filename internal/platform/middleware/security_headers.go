package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers suitable for a JSON API carrying
// health data.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Referrer-Policy", "no-referrer")
			// The browser client records audio itself; the API never needs it.
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Stored audio under /files is immutable and may be cached.
			if c.Path() != "/files/*" {
				h.Set("Cache-Control", "no-store")
			}

			return next(c)
		}
	}
}
