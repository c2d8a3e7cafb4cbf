package router

import (
	"time"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// adminRequestsPerMinute limits admin requests per client IP.
const adminRequestsPerMinute = 30

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	h.registerWebhookRoutes(app)
	h.registerAdminRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}

// Provider notifications bypass the API rate limiter.
func (h HttpRouter) registerWebhookRoutes(app *fiber.App) {
	app.Post("/webhooks/payments", h.deps.Billing.HandlePaymentWebhook)
}

func (h HttpRouter) registerAdminRoutes(app *fiber.App) {
	admin := app.Group("/admin",
		limiter.New(limiter.Config{
			Max:        adminRequestsPerMinute,
			Expiration: time.Minute,
			Storage:    h.deps.LimiterStorage,
		}),
		middleware.AdminAPIKey(h.deps.AdminKeyHash),
	)

	// Webhook events
	admin.Get("/webhook-events", h.deps.Admin.HandleListWebhookEvents)
	admin.Post("/webhook-events/sweep", h.deps.Admin.HandleSweepWebhookEvents)
	admin.Post("/webhook-events/:id/reprocess", h.deps.Admin.HandleReprocessWebhookEvent)

	// Subscriptions
	admin.Post("/businesses/:businessID/activate", h.deps.Admin.HandleActivateSubscription)
	admin.Post("/businesses/:businessID/cancel", h.deps.Admin.HandleCancelSubscription)

	admin.Get("/stats/outcomes", h.deps.Admin.HandleOutcomeStats)
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.Health == nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"healthy": true})
	}
	report := h.deps.Health.Check(c.UserContext())
	status := fiber.StatusOK
	if !report.Healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(report)
}
