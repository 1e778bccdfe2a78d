package auth

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = logging.For("auth")
}

// HeaderAPIKey carries the management API key.
const HeaderAPIKey = "X-API-Key"

// RoleOperator may register challenges and submit messages.
const RoleOperator = "operator"

// APIKeyAuthMiddleware rejects requests whose X-API-Key is unknown (401) or lacks role (403).
func APIKeyAuthMiddleware(store storage.Storage, role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqLogger := requestLogger(c)

			apiKey := c.Request().Header.Get(HeaderAPIKey)
			if apiKey == "" {
				reqLogger.Warn("Request without API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
			}

			roles, err := store.GetAPIKey(c.Request().Context(), apiKey)
			if err != nil {
				reqLogger.Error("Failed to look up API key", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify API key")
			}
			if roles == nil {
				reqLogger.Warn("Unknown API key", zap.String("path", c.Path()))
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}
			if !slices.Contains(roles, role) {
				reqLogger.Warn("API key lacks required role", zap.String("role", role), zap.Strings("roles", roles))
				return echo.NewHTTPError(http.StatusForbidden, "API key is not allowed to perform this operation")
			}
			return next(c)
		}
	}
}

func requestLogger(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l.With(zap.String("package", "auth"))
	}
	return logger
}
