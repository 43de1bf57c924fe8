package middleware

import "github.com/labstack/echo/v4"

// Context keys set by JWTAuth.
const (
	CtxService = "service"
	CtxRole    = "role"
)

// Service returns the authenticated calling service, or "" when the request
// carries no valid token.
func Service(c echo.Context) string {
	if s, ok := c.Get(CtxService).(string); ok {
		return s
	}
	return ""
}

// callerID identifies the caller for rate limiting; unauthenticated
// requests share the "anon" bucket.
func callerID(c echo.Context) string {
	if s := Service(c); s != "" {
		return s
	}
	return "anon"
}
