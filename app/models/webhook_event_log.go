package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	WebhookStatusProcessing = "processing"
	WebhookStatusSuccess    = "success"
	WebhookStatusError      = "error"
	WebhookStatusIgnored    = "ignored"
)

// WebhookEventLog is the audit record of one received provider event. EventID is
// the idempotency key. Rows are never deleted.
type WebhookEventLog struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	EventID          string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_webhook_event_logs_event_id" json:"event_id"`
	EventType        string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ObjectRef        string         `gorm:"type:varchar(191);not null;default:'';index:idx_webhook_event_logs_object_ref,priority:1" json:"object_ref"`
	Payload          datatypes.JSON `gorm:"not null" json:"payload"`
	Status           string         `gorm:"type:varchar(20);not null;default:'processing';index:idx_webhook_event_logs_status_updated,priority:1" json:"status"`
	ProcessorDomain  string         `gorm:"type:varchar(32);not null;default:''" json:"processor_domain"`
	RelatedAggregate *string        `gorm:"type:varchar(64);default:null" json:"related_aggregate,omitempty"`
	ErrorMessage     *string        `gorm:"type:text" json:"error_message,omitempty"`
	ErrorDetails     datatypes.JSON `json:"error_details,omitempty"`
	RetryCount       int            `gorm:"not null;default:0" json:"retry_count"`
	ProcessedAt      *time.Time     `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime;index:idx_webhook_event_logs_object_ref,priority:2" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime;index:idx_webhook_event_logs_status_updated,priority:2" json:"updated_at"`
}

// IsTerminal reports whether the entry reached success, error or ignored.
func (l *WebhookEventLog) IsTerminal() bool {
	return l.Status == WebhookStatusSuccess || l.Status == WebhookStatusError || l.Status == WebhookStatusIgnored
}
