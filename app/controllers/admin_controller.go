package controllers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/jobqueue"
)

// WebhookEventLister reads stored webhook events.
type WebhookEventLister interface {
	ListWebhookEvents(ctx context.Context, filter billing.EventFilter) ([]models.WebhookEvent, error)
}

// OutcomeStats reads persisted daily reconciliation counters.
type OutcomeStats interface {
	Daily(ctx context.Context, day time.Time) (map[string]int64, error)
}

// SweepEnqueuer schedules a sweep on the background queue.
type SweepEnqueuer interface {
	EnqueueSweep(ctx context.Context) (*jobqueue.Job, error)
}

// AdminController exposes operator endpoints for the billing pipeline.
type AdminController struct {
	handler NotificationHandler
	service SubscriptionService
	events  WebhookEventLister
	stats   OutcomeStats
	sweeps  SweepEnqueuer
}

// NewAdminController creates the admin controller. stats may be nil.
func NewAdminController(handler NotificationHandler, service SubscriptionService, events WebhookEventLister, stats OutcomeStats) *AdminController {
	return &AdminController{
		handler: handler,
		service: service,
		events:  events,
		stats:   stats,
	}
}

// WithSweepQueue lets ?async=true sweeps run on the job queue.
func (ac *AdminController) WithSweepQueue(q SweepEnqueuer) *AdminController {
	ac.sweeps = q
	return ac
}

// HandleListWebhookEvents lists stored events, unprocessed ones by default.
// ?processed=all lists every event.
func (ac *AdminController) HandleListWebhookEvents(c *fiber.Ctx) error {
	filter := billing.EventFilter{
		Limit:  queryInt(c, "limit", 50, 1, 500),
		Offset: queryInt(c, "offset", 0, 0, 1<<30),
	}
	switch strings.ToLower(strings.TrimSpace(c.Query("processed", "false"))) {
	case "all":
	case "true", "1":
		processed := true
		filter.Processed = &processed
	default:
		processed := false
		filter.Processed = &processed
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	events, err := ac.events.ListWebhookEvents(ctx, filter)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"events": events,
		"count":  len(events),
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// HandleReprocessWebhookEvent forces another reconciliation attempt.
func (ac *AdminController) HandleReprocessWebhookEvent(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || id == 0 {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Invalid event id")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := ac.handler.ReprocessEvent(ctx, uint(id))
	if res == nil && err != nil {
		return respondBillingError(c, err)
	}
	if err != nil {
		log.Warnf("[Admin] Reprocessing event %d deferred: %v", id, err)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"event_id": res.EventID,
			"outcome":  billing.OutcomeDeferred,
			"error":    err.Error(),
		})
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleSweepWebhookEvents runs one sweep over pending events, or queues it
// with ?async=true.
func (ac *AdminController) HandleSweepWebhookEvents(c *fiber.Ctx) error {
	if c.QueryBool("async") {
		if ac.sweeps == nil {
			return jsonError(c, fiber.StatusServiceUnavailable, "queue_unavailable", "Job queue is not configured")
		}
		job, err := ac.sweeps.EnqueueSweep(c.UserContext())
		if err != nil {
			return respondBillingError(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Minute)
	defer cancel()

	n, err := ac.handler.Sweep(ctx)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"reconciled": n})
}

// HandleCancelSubscription cancels a subscription on behalf of an operator.
func (ac *AdminController) HandleCancelSubscription(c *fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Invalid JSON body")
		}
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := ac.service.Cancel(ctx, c.Params("businessID"), req.Reason)
	if err != nil {
		return respondBillingError(c, err)
	}
	log.Infof("[Admin] Subscription of business %s cancelled: %s", sub.BusinessID, sub.CancelReason)
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleActivateSubscription sets an explicit active period. Without
// period_start the period starts now; without period_end it lasts one
// billing period.
func (ac *AdminController) HandleActivateSubscription(c *fiber.Ctx) error {
	var req struct {
		PlanType    string     `json:"plan_type"`
		PeriodStart *time.Time `json:"period_start"`
		PeriodEnd   *time.Time `json:"period_end"`
	}
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", "Invalid JSON body")
	}
	start := time.Now().UTC()
	if req.PeriodStart != nil {
		start = req.PeriodStart.UTC()
	}
	end := start.Add(billing.BillingPeriod)
	if req.PeriodEnd != nil {
		end = req.PeriodEnd.UTC()
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	sub, err := ac.service.Activate(ctx, c.Params("businessID"), req.PlanType, start, end)
	if err != nil {
		return respondBillingError(c, err)
	}
	log.Infof("[Admin] Subscription of business %s activated until %s", sub.BusinessID, sub.PeriodEnd.Format(time.RFC3339))
	return c.Status(fiber.StatusOK).JSON(sub)
}

// HandleOutcomeStats returns the reconciliation outcome counts of one day
// (?day=YYYY-MM-DD, default today).
func (ac *AdminController) HandleOutcomeStats(c *fiber.Ctx) error {
	if ac.stats == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "stats_unavailable", "Outcome statistics are not enabled")
	}
	day := time.Now().UTC()
	if raw := strings.TrimSpace(c.Query("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return jsonError(c, fiber.StatusBadRequest, "invalid_request", "day must be YYYY-MM-DD")
		}
		day = parsed
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	counts, err := ac.stats.Daily(ctx, day)
	if err != nil {
		return respondBillingError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"day":      day.Format("2006-01-02"),
		"outcomes": counts,
	})
}
