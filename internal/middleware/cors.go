package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	corsAllowMethods  = strings.Join([]string{http.MethodGet, http.MethodHead, http.MethodOptions}, ", ")
	corsAllowHeaders  = strings.Join([]string{echo.HeaderContentType, "Range"}, ", ")
	corsExposeHeaders = strings.Join([]string{
		echo.HeaderContentLength,
		"Content-Range",
		"Accept-Ranges",
		echo.HeaderContentDisposition,
	}, ", ")
)

// CORS returns an Echo middleware that makes every response readable from
// browsers on allowOrigin and answers OPTIONS with 200 and an empty body.
func CORS(allowOrigin string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set(echo.HeaderAccessControlAllowOrigin, allowOrigin)
			h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
			h.Set(echo.HeaderAccessControlAllowHeaders, corsAllowHeaders)
			h.Set(echo.HeaderAccessControlExposeHeaders, corsExposeHeaders)
			if allowOrigin != "*" {
				h.Add(echo.HeaderVary, echo.HeaderOrigin)
			}

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusOK)
			}
			return next(c)
		}
	}
}
