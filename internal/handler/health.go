package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Health is a liveness endpoint for load balancers.  It returns "ok" with
// 200 while the process is serving.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// Ready runs every check and answers 200 when all pass, 503 otherwise, with
// the per-dependency status in the body.
func Ready(checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		result := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		return c.JSON(status, echo.Map{"checks": result})
	}
}
