package httpserver

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/quizrelay/internal/platform/errors"
)

// newAPIKeyAuth guards the internal API with a static bearer key shared
// with the backend services that publish events.
func newAPIKeyAuth(apiKey string) echo.MiddlewareFunc {
	expected := []byte(apiKey)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), expected) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
			return apperrors.UnauthorizedError("missing or invalid API key", err)
		},
	})
}

// IPExtractor resolves the client address for rate limiting and connection
// limits. X-Forwarded-For is honoured only behind a trusted proxy, and even
// then only hops from private or loopback addresses are skipped.
func IPExtractor(trustProxy bool) echo.IPExtractor {
	if trustProxy {
		return echo.ExtractIPFromXFFHeader()
	}
	return echo.ExtractIPDirect()
}
