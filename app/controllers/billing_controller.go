package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
)

// NotificationHandler reconciles stored webhook events.
type NotificationHandler interface {
	HandleNotification(ctx context.Context, n *billing.Notification) (*billing.Result, error)
	ReprocessEvent(ctx context.Context, eventID uint) (*billing.Result, error)
	Sweep(ctx context.Context) (int, error)
}

// SubscriptionService is the subscription API used by the controllers.
type SubscriptionService interface {
	Status(ctx context.Context, businessID string) (*billing.SubscriptionStatus, error)
	StartTrial(ctx context.Context, businessID, planType string) (*models.Subscription, error)
	CreateCheckout(ctx context.Context, req billing.CheckoutRequest) (*gateway.Preference, error)
	Activate(ctx context.Context, businessID, planType string, start, end time.Time) (*models.Subscription, error)
	Cancel(ctx context.Context, businessID, reason string) (*models.Subscription, error)
}

// ReconcileEnqueuer schedules a deferred event for a prompt retry.
type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, eventID uint, requestID string) error
}

// BillingController serves the payment webhook and the public billing API.
type BillingController struct {
	handler       NotificationHandler
	service       SubscriptionService
	queue         ReconcileEnqueuer
	webhookSecret string
}

// NewBillingController creates the controller. queue may be nil, deferred
// events are then left to the periodic sweep. An empty webhookSecret
// disables signature checks.
func NewBillingController(handler NotificationHandler, service SubscriptionService, queue ReconcileEnqueuer, webhookSecret string) *BillingController {
	return &BillingController{
		handler:       handler,
		service:       service,
		queue:         queue,
		webhookSecret: strings.TrimSpace(webhookSecret),
	}
}

// HandlePaymentWebhook receives provider notifications. Anything that was
// durably recorded is acknowledged with 200 so the provider stops retrying.
func (bc *BillingController) HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	requestID := strings.TrimSpace(c.Get("X-Request-Id"))

	n, err := billing.ParseNotification(rawBody, requestID)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
	}

	if bc.webhookSecret != "" {
		dataID := firstNonEmpty(c.Query("data.id"), n.ResourceID())
		if !billing.VerifyWebhookSignature(c.Get("X-Signature"), requestID, dataID, bc.webhookSecret) {
			log.Warnf("[Webhook] Rejected notification %s with invalid signature", n.RequestKey())
			return jsonError(c, fiber.StatusUnauthorized, "invalid_signature", "Signature verification failed")
		}
		n.SignatureValid = true
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := bc.handler.HandleNotification(ctx, n)
	if res == nil {
		if errors.Is(err, billing.ErrValidation) {
			return jsonError(c, fiber.StatusBadRequest, "invalid_payload", err.Error())
		}
		log.Errorf("[Webhook] Failed to record notification %s: %v", n.RequestKey(), err)
		return jsonError(c, fiber.StatusInternalServerError, "webhook_persist_failed", "Notification could not be stored")
	}

	if err != nil {
		log.Warnf("[Webhook] Event %d deferred: %v", res.EventID, err)
		if bc.queue != nil {
			if qerr := bc.queue.EnqueueReconcile(ctx, res.EventID, res.RequestID); qerr != nil {
				log.Errorf("[Webhook] Failed to enqueue event %d: %v", res.EventID, qerr)
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"ok":       true,
			"deferred": true,
			"event_id": res.EventID,
			"outcome":  billing.OutcomeDeferred,
		})
	}

	body := fiber.Map{"ok": true, "event_id": res.EventID, "outcome": res.Outcome}
	switch {
	case res.Duplicate:
		body["duplicate"] = true
	case res.Outcome == billing.OutcomeIgnored:
		body["ignored"] = true
	}
	return c.Status(fiber.StatusOK).JSON(body)
}

// HandleCreateCheckout creates a payment preference for a plan purchase.
func (bc *BillingController) HandleCreateCheckout(c *fiber.Ctx) error {
	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Invalid JSON body")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	pref, err := bc.service.CreateCheckout(ctx, req)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(pref)
}

// HandleStartTrial starts a trial for a business that never had a plan.
func (bc *BillingController) HandleStartTrial(c *fiber.Ctx) error {
	var req struct {
		PlanType string `json:"plan_type"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Invalid JSON body")
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := bc.service.StartTrial(ctx, c.Params("businessID"), req.PlanType)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

// HandleGetSubscription returns the subscription snapshot with the state
// derived at request time.
func (bc *BillingController) HandleGetSubscription(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	status, err := bc.service.Status(ctx, c.Params("businessID"))
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}
