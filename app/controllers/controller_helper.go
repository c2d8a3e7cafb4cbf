package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/billing"
)

const defaultRequestTimeout = 15 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), defaultRequestTimeout)
}

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

// respondBillingError maps billing sentinel errors to HTTP responses.
func respondBillingError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return jsonError(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, billing.ErrUnknownPlan):
		return jsonError(c, fiber.StatusBadRequest, "unknown_plan", err.Error())
	case errors.Is(err, billing.ErrInvalidPeriod):
		return jsonError(c, fiber.StatusBadRequest, "invalid_period", err.Error())
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Subscription not found")
	case errors.Is(err, billing.ErrEventNotFound):
		return jsonError(c, fiber.StatusNotFound, "not_found", "Webhook event not found")
	case errors.Is(err, billing.ErrTrialUnavailable):
		return jsonError(c, fiber.StatusConflict, "trial_unavailable", err.Error())
	case errors.Is(err, billing.ErrStorageConflict):
		return jsonError(c, fiber.StatusConflict, "conflict", "Concurrent update, retry later")
	case errors.Is(err, billing.ErrGatewayUnavailable):
		return jsonError(c, fiber.StatusBadGateway, "gateway_unavailable", "Payment provider unavailable")
	}
	log.Errorf("[Controller] %s %s failed: %v", c.Method(), c.Path(), err)
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", "Request failed")
}

func queryInt(c *fiber.Ctx, key string, def, min, max int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min {
		return def
	}
	if v > max {
		return max
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
