package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ManuelReschke/LocalMarket/internal/pkg/gateway"
	"github.com/go-playground/validator/v10"
)

// Event types that reference a payment resource.
const (
	EventTypePayment        = "payment"
	EventTypePaymentCreated = "payment.created"
	EventTypePaymentUpdated = "payment.updated"
)

var validate = validator.New()

// Notification is an inbound provider webhook. The body carries only a
// reference; the payment itself is always fetched from the gateway.
type Notification struct {
	ID          gateway.ID `json:"id"`
	Type        string     `json:"type"`
	Action      string     `json:"action"`
	LiveMode    bool       `json:"live_mode"`
	DateCreated string     `json:"date_created"`
	Data        struct {
		ID gateway.ID `json:"id" validate:"required"`
	} `json:"data"`

	// RequestID is the provider delivery id taken from the request headers.
	RequestID      string `json:"-"`
	SignatureValid bool   `json:"-"`
	Raw            []byte `json:"-"`
}

// ParseNotification decodes and validates a webhook body. Any failure wraps
// ErrValidation.
func ParseNotification(raw []byte, requestID string) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	n.RequestID = strings.TrimSpace(requestID)
	n.Raw = append([]byte(nil), raw...)
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Validate checks the fields the reconciler relies on.
func (n *Notification) Validate() error {
	if n == nil {
		return fmt.Errorf("%w: empty notification", ErrValidation)
	}
	if n.EventType() == "" {
		return fmt.Errorf("%w: type is required", ErrValidation)
	}
	if err := validate.Struct(n); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// EventType prefers the specific action ("payment.updated") over the topic.
func (n *Notification) EventType() string {
	if a := strings.ToLower(strings.TrimSpace(n.Action)); a != "" {
		return a
	}
	return strings.ToLower(strings.TrimSpace(n.Type))
}

// ResourceID is the referenced payment id.
func (n *Notification) ResourceID() string {
	return n.Data.ID.String()
}

// RequestKey is the deduplication key. Redeliveries of one notification
// share it, so a replay is never applied twice.
func (n *Notification) RequestKey() string {
	if n.RequestID != "" {
		return n.RequestID
	}
	if n.ID != "" {
		return "notification:" + n.ID.String()
	}
	sum := sha256.Sum256(n.Raw)
	return "hash:" + hex.EncodeToString(sum[:])
}

func isKnownEventType(eventType string) bool {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case EventTypePayment, EventTypePaymentCreated, EventTypePaymentUpdated:
		return true
	}
	return false
}

// Outcome describes what reconciliation did with one event.
type Outcome string

const (
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeActivated     Outcome = "activated"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomePaymentFailed Outcome = "payment_failed"
	OutcomeNoChange      Outcome = "no_change"
	OutcomeStale         Outcome = "stale"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeAbandoned     Outcome = "abandoned"
)

// Result is returned for every notification that was durably recorded.
type Result struct {
	EventID   uint    `json:"event_id"`
	RequestID string  `json:"request_id"`
	Outcome   Outcome `json:"outcome"`
	Duplicate bool    `json:"duplicate,omitempty"`
	// Replayed is set when an unprocessed stored event was picked up again.
	Replayed bool `json:"replayed,omitempty"`
}

// CheckoutRequest starts a plan purchase for a business.
type CheckoutRequest struct {
	BusinessID string `json:"business_id" validate:"required,max=64"`
	PlanType   string `json:"plan_type" validate:"required"`
	BackURL    string `json:"back_url" validate:"omitempty,url"`
}

// SubscriptionEvent is published after a subscription transition commits.
type SubscriptionEvent struct {
	Event          string `json:"event"`
	BusinessID     string `json:"business_id"`
	PlanType       string `json:"plan_type"`
	State          string `json:"state"`
	PeriodStart    string `json:"period_start"`
	PeriodEnd      string `json:"period_end"`
	PaymentID      string `json:"payment_id,omitempty"`
	WebhookEventID uint   `json:"webhook_event_id,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}
