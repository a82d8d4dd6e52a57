package api

import (
	"net/http"

	"dropzone/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and
// middleware. /metrics is mounted only when metricsHandler is non-nil.
func SetupRouter(handler *Handler, cfg *config.Config, metricsHandler http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-Admin-Token"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	e.Server.RegisterOnShutdown(uploadLimiter.Close)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}

	files := e.Group("/api/files")
	files.POST("", handler.HandleUpload, uploadLimiter.Middleware())
	files.GET("", handler.HandleList, requireAdmin(cfg.AdminToken))
	files.GET("/:id", handler.HandleDownload)
	files.GET("/:id/info", handler.HandleInfo)
	files.POST("/:id/verify", handler.HandleVerify)

	return e
}
