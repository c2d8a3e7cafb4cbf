package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
	"github.com/ManuelReschke/LocalMarket/internal/pkg/metrics"
	"github.com/cenkalti/backoff/v5"
	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/ManuelReschke/LocalMarket/internal/pkg/billing")

// PaymentGateway is the subset of the provider client the service needs.
type PaymentGateway interface {
	FetchPayment(ctx context.Context, paymentID string) (*gateway.Payment, error)
	CreatePreference(ctx context.Context, req gateway.PreferenceRequest) (*gateway.Preference, error)
}

// SubscriptionCache is a read-through cache for subscription snapshots.
// SetJSONIfCurrent must refuse the write once the tag was invalidated after
// version was read.
type SubscriptionCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	TagVersion(ctx context.Context, tag string) (int64, error)
	SetJSONIfCurrent(ctx context.Context, key string, v any, ttl time.Duration, tag string, version int64) (bool, error)
	InvalidateTags(ctx context.Context, tags ...string) error
}

// EventPublisher announces committed subscription transitions.
type EventPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, v any) error
}

// Options configure optional collaborators of the service.
type Options struct {
	Currency          string
	NotificationURL   string
	TransitionRetries int
	CacheTTL          time.Duration
	Cache             SubscriptionCache
	Publisher         EventPublisher
	Now               func() time.Time
}

// Service owns subscription state changes. Every write goes through
// Repository.ApplySubscriptionChange so manual and webhook driven changes
// serialize on the same row lock.
type Service struct {
	repo      Repository
	gateway   PaymentGateway
	cache     SubscriptionCache
	publisher EventPublisher

	currency          string
	notificationURL   string
	transitionRetries uint
	cacheTTL          time.Duration
	now               func() time.Time
}

// NewService creates a billing service from injected dependencies.
func NewService(repo Repository, gw PaymentGateway, opts Options) *Service {
	s := &Service{
		repo:              repo,
		gateway:           gw,
		cache:             opts.Cache,
		publisher:         opts.Publisher,
		currency:          strings.ToUpper(strings.TrimSpace(opts.Currency)),
		notificationURL:   opts.NotificationURL,
		transitionRetries: 5,
		cacheTTL:          opts.CacheTTL,
		now:               opts.Now,
	}
	if s.currency == "" {
		s.currency = "ARS"
	}
	if opts.TransitionRetries > 0 {
		s.transitionRetries = uint(opts.TransitionRetries)
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func subscriptionCacheKey(businessID string) string {
	return "billing:subscription:" + businessID
}

func businessTag(businessID string) string {
	return "business:" + businessID
}

func normalizeBusinessID(businessID string) (string, error) {
	id := strings.TrimSpace(businessID)
	if id == "" {
		return "", fmt.Errorf("%w: business id is required", ErrValidation)
	}
	if len(id) > 64 {
		return "", fmt.Errorf("%w: business id is too long", ErrValidation)
	}
	return id, nil
}

// GetSubscription returns the stored subscription, reading through the cache.
// A snapshot loaded while a transition commits is not written back.
func (s *Service) GetSubscription(ctx context.Context, businessID string) (*models.Subscription, error) {
	id, err := normalizeBusinessID(businessID)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		return s.repo.GetSubscription(ctx, id)
	}

	key, tag := subscriptionCacheKey(id), businessTag(id)
	var cached models.Subscription
	hit, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		log.Warnf("[Billing] Subscription cache read failed for %s: %v", id, err)
	} else if hit {
		metrics.CacheHitsTotal.Inc()
		return &cached, nil
	}

	version, verr := s.cache.TagVersion(ctx, tag)
	sub, err := s.repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if verr != nil {
		log.Warnf("[Billing] Subscription cache version read failed for %s: %v", id, verr)
		return sub, nil
	}
	stored, err := s.cache.SetJSONIfCurrent(ctx, key, sub, s.cacheTTL, tag, version)
	if err != nil {
		log.Warnf("[Billing] Subscription cache write failed for %s: %v", id, err)
	} else if !stored {
		log.Debugf("[Billing] Skipped caching subscription of %s: changed while loading", id)
	}
	return sub, nil
}

// IsActive reports whether the business holds an active subscription now.
// A business without a subscription is simply inactive. It always reads the
// repository.
func (s *Service) IsActive(ctx context.Context, businessID string) (bool, error) {
	id, err := normalizeBusinessID(businessID)
	if err != nil {
		return false, err
	}
	sub, err := s.repo.GetSubscription(ctx, id)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sub.IsActiveAt(s.now()), nil
}

// SubscriptionStatus is a stored subscription with its state derived at
// CheckedAt.
type SubscriptionStatus struct {
	Subscription *models.Subscription    `json:"subscription"`
	State        models.SubscriptionState `json:"state"`
	IsActive     bool                     `json:"is_active"`
	CheckedAt    time.Time                `json:"checked_at"`
}

// Status returns the subscription of a business together with its derived
// state. The snapshot may be cached; the state is computed on every call.
func (s *Service) Status(ctx context.Context, businessID string) (*SubscriptionStatus, error) {
	sub, err := s.GetSubscription(ctx, businessID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return &SubscriptionStatus{
		Subscription: sub,
		State:        sub.StateAt(now),
		IsActive:     sub.IsActiveAt(now),
		CheckedAt:    now.UTC(),
	}, nil
}

// Activate sets an explicit active period for a business.
func (s *Service) Activate(ctx context.Context, businessID, planType string, start, end time.Time) (*models.Subscription, error) {
	id, err := normalizeBusinessID(businessID)
	if err != nil {
		return nil, err
	}
	plan, err := LookupPlan(planType)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, ErrInvalidPeriod
	}

	var out *models.Subscription
	err = s.applyChange(ctx, 0, id, func(current *models.Subscription) (*models.Subscription, string, error) {
		next, err := activateSubscription(current, id, plan, start.UTC(), end.UTC())
		if err != nil {
			return nil, "", err
		}
		stampManual(next, s.now())
		out = next
		return next, "manual_activate", nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, OutcomeActivated, out, "", 0)
	return out, nil
}

// Cancel cancels the subscription of a business. Cancelling twice is a no-op.
func (s *Service) Cancel(ctx context.Context, businessID, reason string) (*models.Subscription, error) {
	id, err := normalizeBusinessID(businessID)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled by operator"
	}

	var out *models.Subscription
	changed := false
	err = s.applyChange(ctx, 0, id, func(current *models.Subscription) (*models.Subscription, string, error) {
		if current == nil {
			return nil, "", ErrSubscriptionNotFound
		}
		if current.Status == models.SubscriptionStatusCancelled {
			out, changed = current.Clone(), false
			return nil, "", nil
		}
		out, changed = cancelSubscription(current, id, reason, s.now().UTC()), true
		stampManual(out, s.now())
		return out, "manual_cancel", nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.afterCommit(ctx, OutcomeCancelled, out, "", 0)
	}
	return out, nil
}

// StartTrial gives a business without any subscription history a free trial.
func (s *Service) StartTrial(ctx context.Context, businessID, planType string) (*models.Subscription, error) {
	id, err := normalizeBusinessID(businessID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(planType) == "" {
		planType = string(PlanBasic)
	}
	plan, err := LookupPlan(planType)
	if err != nil {
		return nil, err
	}

	var out *models.Subscription
	err = s.applyChange(ctx, 0, id, func(current *models.Subscription) (*models.Subscription, string, error) {
		next, err := newTrialSubscription(current, id, plan, s.now().UTC())
		if err != nil {
			return nil, "", err
		}
		out = next
		return next, "trial_started", nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, "subscription.trial_started", out, "", 0)
	s.invalidate(ctx, id)
	return out, nil
}

// CreateCheckout creates a provider checkout for a plan purchase. The
// resulting payment is reconciled through the webhook.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest) (*gateway.Preference, error) {
	req.BusinessID = strings.TrimSpace(req.BusinessID)
	req.BackURL = strings.TrimSpace(req.BackURL)
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	plan, err := LookupPlan(req.PlanType)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "billing.CreateCheckout")
	defer span.End()

	pref, err := s.gateway.CreatePreference(ctx, gateway.PreferenceRequest{
		BusinessID:      req.BusinessID,
		PlanType:        string(plan.Type),
		Title:           plan.Title,
		UnitPrice:       plan.Price,
		Currency:        s.currency,
		NotificationURL: s.notificationURL,
		BackURL:         req.BackURL,
	})
	if err != nil {
		metrics.GatewayRequestsTotal.WithLabelValues("create_preference", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}
	metrics.GatewayRequestsTotal.WithLabelValues("create_preference", "ok").Inc()
	log.Infof("[Billing] Created checkout %s for business %s plan %s", pref.PreferenceID, req.BusinessID, plan.Type)
	return pref, nil
}

// applyChange runs a subscription change, retrying storage conflicts with
// exponential backoff. Other errors are returned as is.
func (s *Service) applyChange(ctx context.Context, eventID uint, businessID string, mutate SubscriptionMutation) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.repo.ApplySubscriptionChange(ctx, eventID, businessID, mutate)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrStorageConflict) {
			metrics.StorageConflictsTotal.Inc()
			log.Warnf("[Billing] Storage conflict for business %s, retrying: %v", businessID, err)
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.transitionRetries))
	return err
}

// stampManual orders an operator change against provider events: a payment
// whose status time is not after the change is treated as stale.
func stampManual(sub *models.Subscription, now time.Time) {
	at := now.UTC()
	sub.SourceUpdatedAt = &at
}

func (s *Service) afterCommit(ctx context.Context, outcome Outcome, sub *models.Subscription, paymentID string, eventID uint) {
	if sub == nil {
		return
	}
	s.invalidate(ctx, sub.BusinessID)

	switch outcome {
	case OutcomeActivated:
		s.publish(ctx, "subscription.activated", sub, paymentID, eventID)
	case OutcomeCancelled:
		s.publish(ctx, "subscription.cancelled", sub, paymentID, eventID)
	case OutcomePaymentFailed:
		s.publish(ctx, "subscription.payment_failed", sub, paymentID, eventID)
	}
}

func (s *Service) invalidate(ctx context.Context, businessID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTags(ctx, businessTag(businessID)); err != nil {
		log.Errorf("[Billing] Cache invalidation failed for business %s: %v", businessID, err)
	}
}

func (s *Service) publish(ctx context.Context, event string, sub *models.Subscription, paymentID string, eventID uint) {
	if s.publisher == nil || sub == nil {
		return
	}
	now := s.now().UTC()
	msg := SubscriptionEvent{
		Event:          event,
		BusinessID:     sub.BusinessID,
		PlanType:       sub.PlanType,
		State:          string(sub.StateAt(now)),
		PeriodStart:    sub.PeriodStart.UTC().Format(time.RFC3339),
		PeriodEnd:      sub.PeriodEnd.UTC().Format(time.RFC3339),
		PaymentID:      paymentID,
		WebhookEventID: eventID,
		OccurredAt:     now.Format(time.RFC3339),
	}
	if err := s.publisher.PublishJSON(ctx, event, msg); err != nil {
		log.Errorf("[Billing] Failed to publish %s for business %s: %v", event, sub.BusinessID, err)
	}
}
