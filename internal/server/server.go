package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/auth"
	"github.com/blockadesystems/acmemail/internal/config"
	"github.com/blockadesystems/acmemail/internal/management"
	"github.com/blockadesystems/acmemail/internal/responder"
	"github.com/blockadesystems/acmemail/internal/storage"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, svc *responder.Service, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("responder", svc)
			c.Set("cfg", cfg)
			c.Set("store", store)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines the HTTPS routes.
func SetupRouter(e *echo.Echo, store storage.Storage) {
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "acmemail is running")
	})

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(auth.APIKeyAuthMiddleware(store, auth.RoleOperator))

	apiGroup.POST("/challenges", management.HandleCreateChallenge)
	apiGroup.GET("/challenges", management.HandleListChallenges)
	apiGroup.GET("/challenges/:id", management.HandleGetChallenge).Name = "getChallenge"
	apiGroup.DELETE("/challenges/:id", management.HandleDeleteChallenge)

	apiGroup.POST("/messages", management.HandleSubmitMessage)
}
