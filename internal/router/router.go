package router // package router defines how HTTP routes are registered for both binaries

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lockdownpark/parkbus/internal/config"
	"github.com/lockdownpark/parkbus/internal/deadletter"
	"github.com/lockdownpark/parkbus/internal/handler"
	"github.com/lockdownpark/parkbus/internal/middleware"
	"github.com/lockdownpark/parkbus/internal/utils"
)

// RegisterRoutes registers the routes that need no authentication: liveness,
// readiness and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, checks map[string]handler.Check) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(checks))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth exposes the token endpoint publishing services call with
// their slug and secret.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	g := e.Group("/v1/auth")
	g.POST("/token", a.Token)
}

// RegisterPublish mounts the publish gateway under /v1/events.  Every route
// requires a publisher token and is rate limited per calling service.
func RegisterPublish(e *echo.Echo, p *handler.PublishHandler, jwtSecret string, rl config.RateLimitConfig, rdb *redis.Client) {
	g := e.Group("/v1/events")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole(utils.RolePublisher))
	g.Use(middleware.NewTokenBucket(rl, rdb))

	g.POST("/error", p.Error)
	g.POST("/access", p.Access)
	g.POST("/payment-notification", p.PaymentNotification)
}

// RegisterLogs mounts the error and access log sinks at the paths the
// dispatcher posts to (ERROR_URL, ACCESS_LOGS_URL).
func RegisterLogs(e *echo.Echo, l *handler.LogHandler) {
	e.POST("/error", l.CreateError)
	e.GET("/error", l.ListErrors)

	e.POST("/accesslogs", l.CreateAccess)
	e.GET("/accesslogs", l.ListAccess)
	e.GET("/accesslogs/:id", l.GetAccess)
}

// RegisterOps sets up the consumer's operations server: health, metrics and
// the list of dropped messages.
func RegisterOps(e *echo.Echo, checks map[string]handler.Check, dropped deadletter.Store) {
	RegisterRoutes(e, checks)
	e.GET("/v1/dropped", handler.NewDroppedHandler(dropped).List)
}
