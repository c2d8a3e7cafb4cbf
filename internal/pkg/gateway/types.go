package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses reported by the provider.
const (
	StatusPending     = "pending"
	StatusApproved    = "approved"
	StatusAuthorized  = "authorized"
	StatusInProcess   = "in_process"
	StatusInMediation = "in_mediation"
	StatusRejected    = "rejected"
	StatusCancelled   = "cancelled"
	StatusRefunded    = "refunded"
	StatusChargedBack = "charged_back"
)

// ID accepts both JSON numbers and strings. The provider uses numeric ids in
// some payloads and string ids in others.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", string(b), err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Payment is the authoritative payment state fetched from the provider.
type Payment struct {
	ID                ID              `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	Metadata          map[string]any  `json:"metadata"`
	DateCreated       *time.Time      `json:"date_created"`
	DateApproved      *time.Time      `json:"date_approved"`
	DateLastUpdated   *time.Time      `json:"date_last_updated"`
}

// NormalizedStatus returns the lower-cased status.
func (p *Payment) NormalizedStatus() string {
	return strings.ToLower(strings.TrimSpace(p.Status))
}

// BusinessID resolves the paying business from metadata, falling back to the
// "<business>|<plan>" external reference set on preference creation.
func (p *Payment) BusinessID() string {
	if v := metadataString(p.Metadata, "business_id"); v != "" {
		return v
	}
	business, _ := splitExternalReference(p.ExternalReference)
	return business
}

// PlanType resolves the purchased plan the same way as BusinessID.
func (p *Payment) PlanType() string {
	if v := metadataString(p.Metadata, "plan_type"); v != "" {
		return v
	}
	_, plan := splitExternalReference(p.ExternalReference)
	return plan
}

// StatusTime is the provider timestamp of the current status. It orders
// notifications for the same business.
func (p *Payment) StatusTime() time.Time {
	for _, t := range []*time.Time{p.DateLastUpdated, p.DateApproved, p.DateCreated} {
		if t != nil && !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ExternalReference builds the reference stored on preferences.
func ExternalReference(businessID, planType string) string {
	return strings.TrimSpace(businessID) + "|" + strings.TrimSpace(planType)
}

func splitExternalReference(ref string) (string, string) {
	business, plan, ok := strings.Cut(strings.TrimSpace(ref), "|")
	if !ok {
		return "", ""
	}
	return strings.TrimSpace(business), strings.TrimSpace(plan)
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return decimal.NewFromFloat(v).String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// PreferenceRequest describes a checkout for one plan purchase.
type PreferenceRequest struct {
	BusinessID      string
	PlanType        string
	Title           string
	UnitPrice       decimal.Decimal
	Currency        string
	NotificationURL string
	BackURL         string
}

// Preference is a created checkout preference.
type Preference struct {
	PreferenceID string `json:"preference_id"`
	CheckoutURL  string `json:"checkout_url"`
}
