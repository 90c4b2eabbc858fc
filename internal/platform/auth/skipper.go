package auth

import (
	"github.com/labstack/echo/v4"
)

// publicRoutes lists method and route pairs reachable without a staff
// token: health checks, referral intake, the patient status lookup, and
// document downloads, whose keys are unguessable.
var publicRoutes = map[string]bool{
	"GET /health":             true,
	"GET /health/db":          true,
	"POST /api/v1/referrals":  true,
	"POST /api/v1/referrals/": true,
	"POST /api/v1/status":     true,
	"GET /files/*":            true,
	"HEAD /files/*":           true,
}

// AuthSkipper reports whether the matched route is public. It keys on the
// route template, so it must run after routing (echo.Use, not echo.Pre).
func AuthSkipper(c echo.Context) bool {
	return IsPublicRoute(c.Request().Method, c.Path())
}

func IsPublicRoute(method, route string) bool {
	return publicRoutes[method+" "+route]
}
