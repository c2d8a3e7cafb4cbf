package apiv1

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LocalMarket/app/controllers"
)

// Pong is the ping response body.
type Pong struct {
	Ping string `json:"ping"`
}

// APIServer serves the public v1 billing API.
type APIServer struct {
	billing *controllers.BillingController
}

// NewAPIServer creates a new API server instance
func NewAPIServer(billing *controllers.BillingController) *APIServer {
	return &APIServer{billing: billing}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// PostCheckoutPreference creates a checkout for a plan purchase.
func (s *APIServer) PostCheckoutPreference(c *fiber.Ctx) error {
	return s.billing.HandleCreateCheckout(c)
}

// PostBusinessTrial starts a trial for a business.
func (s *APIServer) PostBusinessTrial(c *fiber.Ctx) error {
	return s.billing.HandleStartTrial(c)
}

// GetBusinessSubscription returns the subscription of a business.
func (s *APIServer) GetBusinessSubscription(c *fiber.Ctx) error {
	return s.billing.HandleGetSubscription(c)
}

// RegisterHandlers mounts the v1 routes on router.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)
	router.Post("/checkout/preferences", s.PostCheckoutPreference)
	router.Post("/businesses/:businessID/trial", s.PostBusinessTrial)
	router.Get("/businesses/:businessID/subscription", s.GetBusinessSubscription)
}
