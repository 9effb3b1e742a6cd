package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/healthpod/portal/internal/platform/telemetry"
)

// Metrics records request counts, latency and in-flight requests by route
// pattern, so ids in paths do not explode label cardinality.
func Metrics(col *telemetry.Collector) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Path() == "/metrics" {
				return next(c)
			}

			col.InFlight.Inc()
			start := time.Now()
			err := next(c)
			col.InFlight.Dec()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			col.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			col.RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
