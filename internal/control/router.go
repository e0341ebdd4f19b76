package control

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates the control API router.
func SetupRouter(handler *Handler, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(RequestLogger(logger))
	// sessions read local paths, so only pages served from this machine
	// may drive the API from a browser
	e.Use(RejectForeignOrigin())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) { return loopbackOrigin(origin), nil },
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Content-Type", "Authorization"},
	}))

	e.GET("/health", handler.HandleHealth)

	sessions := e.Group("/api/sessions")
	sessions.GET("", handler.HandleList)
	sessions.POST("", handler.HandleCreate)
	sessions.GET("/:id", handler.HandleStatus)
	sessions.POST("/:id/resume", handler.HandleResume)
	sessions.POST("/:id/pause", handler.HandlePause)
	sessions.DELETE("/:id", handler.HandleCancel)

	return e
}

// RequestLogger logs each request through logger.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return err
		}
	}
}

// RejectForeignOrigin refuses browser requests whose Origin is not a
// loopback host. Requests without an Origin header, such as from the CLI,
// pass through.
func RejectForeignOrigin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			if origin != "" && !loopbackOrigin(origin) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "origin not allowed"})
			}
			return next(c)
		}
	}
}

func loopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
