package middleware

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidIDs rejects requests whose named path params are not well-formed ids.
// Ids are embedded in redis keys and broker routing keys.
func ValidIDs(params ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, p := range params {
				if !idPattern.MatchString(c.Param(p)) {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid " + p})
				}
			}
			return next(c)
		}
	}
}
