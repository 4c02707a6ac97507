package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/clinic-support/internal/api/http/handlers"
	"github.com/spec-kit/clinic-support/internal/auth"
)

// APIPrefix is the mount point of the versioned API.
const APIPrefix = "/api/v1"

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health         *handlers.HealthHandler
	Tickets        *handlers.TicketsHandler
	AuthMiddleware *auth.AuthMiddleware
}

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/metrics", cfg.Health.Metrics)

	api := app.Group(APIPrefix, cfg.AuthMiddleware.Handle, auth.RequireRole())

	tickets := api.Group("/tickets")
	tickets.Post("/", cfg.Tickets.CreateTicket)
	tickets.Get("/", cfg.Tickets.ListTickets)
	tickets.Get("/counts", cfg.Tickets.CountTickets)
	tickets.Get("/stream", cfg.Tickets.Stream)

	tickets.Get("/:id", cfg.Tickets.GetTicket)
	tickets.Delete("/:id", auth.RequireAgent(), cfg.Tickets.DeleteTicket)
	tickets.Get("/:id/messages", cfg.Tickets.ListMessages)
	tickets.Post("/:id/messages", cfg.Tickets.SendMessage)
	tickets.Get("/:id/messages/:messageId/attachment", cfg.Tickets.DownloadAttachment)
	tickets.Get("/:id/history", cfg.Tickets.ListHistory)

	agentOnly := auth.RequireAgent()
	tickets.Post("/:id/close", agentOnly, cfg.Tickets.CloseTicket)
	tickets.Post("/:id/resolve", agentOnly, cfg.Tickets.ResolveTicket)
	tickets.Post("/:id/reassign", agentOnly, cfg.Tickets.ReassignTicket)
	tickets.Patch("/:id/priority", agentOnly, cfg.Tickets.UpdatePriority)
}
