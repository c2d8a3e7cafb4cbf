package models

import "time"

// Stored subscription statuses. Expiry is never stored, it is derived from
// the period end on read.
const (
	SubscriptionStatusTrial     = "trial"
	SubscriptionStatusActive    = "active"
	SubscriptionStatusCancelled = "cancelled"
)

// SubscriptionState is the lifecycle state observed at a given instant.
type SubscriptionState string

const (
	StateTrial     SubscriptionState = "TRIAL"
	StateActive    SubscriptionState = "ACTIVE"
	StateExpired   SubscriptionState = "EXPIRED"
	StateCancelled SubscriptionState = "CANCELLED"
)

// Subscription is the plan a business currently holds. There is exactly one
// row per business, which keeps "at most one current plan" a storage rule.
type Subscription struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	BusinessID           string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_subscriptions_business" json:"business_id"`
	PlanType             string     `gorm:"type:varchar(32);not null;default:'';index" json:"plan_type"`
	Status               string     `gorm:"type:varchar(16);not null;default:'trial';index" json:"status"`
	Active               bool       `gorm:"default:false" json:"active"`
	PeriodStart          time.Time  `gorm:"type:timestamp;not null" json:"period_start"`
	PeriodEnd            time.Time  `gorm:"type:timestamp;not null;index" json:"period_end"`
	CancelledAt          *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	CancelReason         string     `gorm:"type:varchar(255);default:''" json:"cancel_reason"`
	ExternalReference    string     `gorm:"type:varchar(191);default:''" json:"external_reference"`
	PaymentRetryNoticeAt *time.Time `gorm:"type:timestamp;default:null" json:"payment_retry_notice_at,omitempty"`
	SourceUpdatedAt      *time.Time `gorm:"type:timestamp;default:null" json:"source_updated_at,omitempty"`
	CreatedAt            time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActiveAt derives activity from the stored flag and the period boundary.
// The flag alone is never trusted.
func (s *Subscription) IsActiveAt(now time.Time) bool {
	if s == nil || !s.Active || s.Status == SubscriptionStatusCancelled {
		return false
	}
	return !now.After(s.PeriodEnd)
}

// StateAt reports the lifecycle state at now.
func (s *Subscription) StateAt(now time.Time) SubscriptionState {
	switch {
	case s == nil:
		return StateExpired
	case s.Status == SubscriptionStatusCancelled:
		return StateCancelled
	case !s.IsActiveAt(now):
		return StateExpired
	case s.Status == SubscriptionStatusTrial:
		return StateTrial
	default:
		return StateActive
	}
}

// Clone returns a deep copy so transitions never mutate a loaded row in place.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CancelledAt = cloneTime(s.CancelledAt)
	c.PaymentRetryNoticeAt = cloneTime(s.PaymentRetryNoticeAt)
	c.SourceUpdatedAt = cloneTime(s.SourceUpdatedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
