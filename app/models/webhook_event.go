package models

import (
	"time"

	"gorm.io/datatypes"
)

// Payment provider constants.
const (
	PaymentProviderMercadoPago = "mercadopago"
)

// WebhookEvent stores inbound provider notifications, deduplicated by the
// provider request id. Rows are never deleted.
type WebhookEvent struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	RequestID      string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_events_request_id" json:"request_id"`
	Provider       string         `gorm:"type:varchar(32);not null;default:'mercadopago';index" json:"provider"`
	EventType      string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ResourceID     *string        `gorm:"type:varchar(191);default:null;index" json:"resource_id,omitempty"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	SignatureValid bool           `gorm:"default:false" json:"signature_valid"`
	Processed      bool           `gorm:"default:false;index:idx_webhook_events_pending,priority:1" json:"processed"`
	ProcessedAt    *time.Time     `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingNote string         `gorm:"type:varchar(255);default:''" json:"processing_note"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	LastError      string         `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index:idx_webhook_events_pending,priority:2" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResourceIDValue returns the resource id or an empty string.
func (e *WebhookEvent) ResourceIDValue() string {
	if e == nil || e.ResourceID == nil {
		return ""
	}
	return *e.ResourceID
}
