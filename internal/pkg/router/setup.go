package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LocalMarket/app/controllers"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/health"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// HealthChecker reports dependency readiness.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// Dependencies are the controllers and settings the routers need.
type Dependencies struct {
	Billing      *controllers.BillingController
	Admin        *controllers.AdminController
	AdminKeyHash string

	// LimiterStorage backs the public API rate limiter. Nil keeps counters
	// in memory.
	LimiterStorage fiber.Storage

	// Health backs /healthz. Nil reports a static ok.
	Health HealthChecker
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
