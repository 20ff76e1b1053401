package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-crm/internal/config"
	"github.com/noah-isme/gema-crm/internal/handler"
	"github.com/noah-isme/gema-crm/internal/middleware"
	"github.com/noah-isme/gema-crm/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler         *handler.ChatHandler
	DealActivityHandler *handler.DealActivityHandler
	JWTMiddleware       fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	// Tests may register without auth.
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	// Chat session websocket and views; preview URLs handed out by sessions live here too.
	if deps.ChatHandler != nil {
		chat := app.Group("/api/chat", jwtMiddleware)
		deps.ChatHandler.Register(chat)
	}

	if deps.DealActivityHandler != nil {
		deals := app.Group("/api/deals", jwtMiddleware, middleware.RateLimit("deal_activity", 60, time.Minute))
		deps.DealActivityHandler.Register(deals, middleware.RequireRole(middleware.RoleManager, middleware.RoleSales))
	}
}
