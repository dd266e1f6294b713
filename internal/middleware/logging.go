// Package middleware provides Echo middleware for logging, metrics, CORS and security.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Requests whose connection was torn down mid-response are logged with
// aborted=true.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			finished := false

			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				if !finished {
					level = slog.LevelWarn
				}
				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"status", res.Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
					"aborted", !finished,
				)
			}()

			err := next(c)
			finished = true
			return err
		}
	}
}
