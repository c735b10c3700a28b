package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketplace-sync/internal/app"
	"marketplace-sync/internal/domain"
	"marketplace-sync/pkg/logger"
)

// Version is reported by the health endpoint.
var Version = "dev"

type RouterOptions struct {
	InstanceID     string
	AllowedOrigins []string
	// History is nil when the mutation journal is disabled.
	History domain.MutationHistory
}

// NewRouter builds the agent's local HTTP API.
func NewRouter(engine *app.Engine, opts RouterOptions, log logger.Logger) (*echo.Echo, *AuctionHandler) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())

	if len(opts.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
			MaxAge: 86400,
		}))
	}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			log.Debug("Request received",
				"method", req.Method,
				"path", req.URL.Path,
				"remote_addr", c.RealIP())
			return next(c)
		}
	})

	auctions := NewAuctionHandler(engine, log)
	status := NewStatusHandler(engine, opts.History, log)

	api := e.Group("/api/v1")
	api.GET("/auctions/:id", auctions.GetAuction)
	api.POST("/auctions/:id/view", auctions.OpenView)
	api.GET("/auctions/:id/view", auctions.GetView)
	api.DELETE("/auctions/:id/view", auctions.CloseView)
	api.GET("/auctions/:id/participants", auctions.GetParticipants)
	api.POST("/auctions/:id/bids", auctions.PlaceBid)
	api.POST("/auctions/:id/buy-now", auctions.BuyNow)
	api.POST("/wishlist/:id/toggle", auctions.ToggleWishlist)

	api.GET("/connections", status.GetConnections)
	api.GET("/cache", status.ListCache)
	api.GET("/cache/:key", status.GetCacheEntry)
	api.GET("/session", status.GetSession)
	api.PUT("/session/token", status.SetToken)
	api.DELETE("/session/token", status.ClearToken)
	api.GET("/mutations", status.ListMutations)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(engine.Registry, promhttp.HandlerOpts{})))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "sync-agent",
			"instance":  opts.InstanceID,
			"timestamp": time.Now().Format(time.RFC3339),
			"version":   Version,
		})
	})

	return e, auctions
}
