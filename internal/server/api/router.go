package api

import (
	"hubload/internal/server/config"
	"hubload/internal/transport"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Content-Encoding", "Authorization", transport.HeaderContentSHA256},
		ExposeHeaders: []string{
			transport.HeaderRateLimitLimit,
			transport.HeaderRateLimitRemaining,
			transport.HeaderRateLimitReset,
			"Retry-After",
		},
	}))
	e.Use(RequestLogger())

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health, stats & speed probe
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.POST("/api/probe", handler.HandleProbe, limiter.Middleware())

	// Repository writes (authenticated, rate-limited per token)
	repos := e.Group("/api/repos/:owner/:repo", handler.RequireToken(), limiter.Middleware())
	repos.PUT("/blobs/*", handler.HandlePutBlob)
	repos.POST("/manifests", handler.HandleManifest)

	return e
}
