package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are reachable without a bearer token: the health probes and
// the metrics scrape endpoint.
var publicPaths = map[string]bool{
	"/health":      true,
	"/health/db":   true,
	"/health/live": true,
	"/metrics":     true,
}

// AuthSkipper matches on the registered route, so "/health/extra" is not
// public just because it shares a prefix.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}
