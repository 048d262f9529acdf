package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/setu-sync/internal/config"
	"github.com/noah-isme/setu-sync/internal/handler"
	"github.com/noah-isme/setu-sync/internal/middleware"
	"github.com/noah-isme/setu-sync/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ConversationHandler   *handler.ConversationHandler
	MessageHandler        *handler.MessageHandler
	NotificationHandler   *handler.NotificationHandler
	SessionGatewayHandler *handler.SessionGatewayHandler
	Sessions              handler.SessionCounter
	HealthProbes          map[string]handler.Probe
	JWTMiddleware         fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & metrics
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthProbes))
	api.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	v2 := app.Group("/api/v2", jwtMiddleware)

	if deps.ConversationHandler != nil {
		conversations := v2.Group("/conversations")
		conversations.Post("/:id/messages", middleware.RateLimit("messages", cfg.MessageRateLimit, time.Second))
		deps.ConversationHandler.Register(conversations)
	}

	if deps.MessageHandler != nil {
		deps.MessageHandler.Register(v2.Group("/messages"))
	}

	if deps.NotificationHandler != nil {
		deps.NotificationHandler.Register(v2.Group("/notifications"))
	}

	if deps.SessionGatewayHandler != nil {
		deps.SessionGatewayHandler.Register(v2.Group("/session"))
	}

	if deps.Sessions != nil {
		admin := v2.Group("/admin", middleware.RequireRole("admin"))
		admin.Get("/sessions", handler.SessionStats(deps.Sessions))
	}
}
