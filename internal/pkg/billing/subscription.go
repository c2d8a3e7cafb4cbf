package billing

import (
	"time"

	"github.com/ManuelReschke/LocalMarket/app/models"
)

// The functions in this file are pure: they take the current row (nil when
// the business has none) and return the row to persist. They never mutate
// their input.

func newTrialSubscription(current *models.Subscription, businessID string, plan Plan, now time.Time) (*models.Subscription, error) {
	if current != nil {
		return nil, ErrTrialUnavailable
	}
	return &models.Subscription{
		BusinessID:  businessID,
		PlanType:    string(plan.Type),
		Status:      models.SubscriptionStatusTrial,
		Active:      true,
		PeriodStart: now,
		PeriodEnd:   now.Add(TrialPeriod),
	}, nil
}

// activateSubscription sets an active period. An end before the current end
// of a running subscription is raised to the current end.
func activateSubscription(current *models.Subscription, businessID string, plan Plan, start, end time.Time) (*models.Subscription, error) {
	if end.Before(start) {
		return nil, ErrInvalidPeriod
	}
	next := current.Clone()
	if next == nil {
		next = &models.Subscription{BusinessID: businessID}
	}
	if current != nil && current.IsActiveAt(start) && current.PeriodEnd.After(end) {
		end = current.PeriodEnd
	}

	next.PlanType = string(plan.Type)
	next.Status = models.SubscriptionStatusActive
	next.Active = true
	next.PeriodStart = start
	next.PeriodEnd = end
	next.CancelledAt = nil
	next.CancelReason = ""
	next.PaymentRetryNoticeAt = nil
	return next, nil
}

// renewalPeriod computes the period for a paid activation at now. Paying for
// the plan already running extends it from its current end.
func renewalPeriod(current *models.Subscription, plan Plan, now time.Time) (time.Time, time.Time) {
	start, base := now, now
	if current != nil && current.IsActiveAt(now) && current.PlanType == string(plan.Type) {
		if current.Status == models.SubscriptionStatusActive {
			start = current.PeriodStart
		}
		if current.PeriodEnd.After(now) {
			base = current.PeriodEnd
		}
	}
	return start, base.Add(plan.Period)
}

func cancelSubscription(current *models.Subscription, businessID, reason string, now time.Time) *models.Subscription {
	next := current.Clone()
	if next == nil {
		next = &models.Subscription{
			BusinessID:  businessID,
			PeriodStart: now,
			PeriodEnd:   now,
		}
	}
	next.Status = models.SubscriptionStatusCancelled
	next.Active = false
	next.CancelledAt = &now
	next.CancelReason = reason
	return next
}

func flagPaymentRetry(current *models.Subscription, now time.Time) *models.Subscription {
	next := current.Clone()
	next.PaymentRetryNoticeAt = &now
	return next
}

// applyPaymentTransition folds one payment decision into the current row.
// A nil row with a nil error means nothing has to be written.
func applyPaymentTransition(current *models.Subscription, t Transition, now time.Time) (*models.Subscription, Outcome, error) {
	if t.Kind == TransitionNone {
		return nil, OutcomeNoChange, nil
	}
	if isStale(current, t) {
		return nil, OutcomeStale, nil
	}

	stamp := t.StatusAt
	if stamp.IsZero() {
		stamp = now
	}

	switch t.Kind {
	case TransitionActivate:
		if current != nil && current.Status == models.SubscriptionStatusActive && current.ExternalReference == t.PaymentID {
			return nil, OutcomeNoChange, nil
		}
		start, end := renewalPeriod(current, t.Plan, now)
		next, err := activateSubscription(current, t.BusinessID, t.Plan, start, end)
		if err != nil {
			return nil, "", err
		}
		next.ExternalReference = t.PaymentID
		next.SourceUpdatedAt = &stamp
		return next, OutcomeActivated, nil

	case TransitionPaymentFailed:
		if !current.IsActiveAt(now) {
			return nil, OutcomeNoChange, nil
		}
		next := flagPaymentRetry(current, now)
		next.SourceUpdatedAt = &stamp
		return next, OutcomePaymentFailed, nil

	case TransitionCancel:
		if current != nil && current.Status == models.SubscriptionStatusCancelled {
			// Keep the ordering stamp current so an older approval arriving
			// later cannot revive the row.
			next := current.Clone()
			next.SourceUpdatedAt = &stamp
			return next, OutcomeNoChange, nil
		}
		next := cancelSubscription(current, t.BusinessID, t.Reason, now)
		if next.PlanType == "" {
			next.PlanType = string(t.Plan.Type)
		}
		next.ExternalReference = t.PaymentID
		next.SourceUpdatedAt = &stamp
		return next, OutcomeCancelled, nil
	}
	return nil, OutcomeNoChange, nil
}

// isStale reports whether the row already reflects provider state at or
// after the transition's status time.
func isStale(current *models.Subscription, t Transition) bool {
	if current == nil || current.SourceUpdatedAt == nil || t.StatusAt.IsZero() {
		return false
	}
	return !t.StatusAt.After(*current.SourceUpdatedAt)
}
