package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

const (
	SubscriptionStatusPending    = "pending"
	SubscriptionStatusIncomplete = "incomplete"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusUnpaid     = "unpaid"
	SubscriptionStatusCanceled   = "canceled"
)

// Subscription is a recurring plan owned by a user. It starts as a pending
// placeholder when the checkout session is created and is driven by provider
// events from there on.
type Subscription struct {
	ID                      uint           `gorm:"primaryKey" json:"id"`
	UserID                  uint           `gorm:"not null;index" json:"user_id"`
	CheckoutSessionRef      *string        `gorm:"type:varchar(191);index" json:"checkout_session_ref,omitempty"`
	ProviderSubscriptionRef *string        `gorm:"type:varchar(191);uniqueIndex:ux_subscriptions_provider_ref" json:"provider_subscription_ref,omitempty"`
	PlanRef                 string         `gorm:"type:varchar(191);not null;default:''" json:"plan_ref"`
	Amount                  int64          `gorm:"not null;default:0" json:"amount"`
	Currency                string         `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	Interval                string         `gorm:"type:varchar(16);not null;default:'month'" json:"interval"`
	Status                  string         `gorm:"type:varchar(32);not null;default:'pending';index:idx_subscriptions_status_created,priority:1" json:"status"`
	StartDate               *time.Time     `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	EndDate                 *time.Time     `gorm:"type:timestamp;default:null" json:"end_date,omitempty"`
	CanceledAt              *time.Time     `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	AutoRenew               bool           `gorm:"not null" json:"auto_renew"`
	RetryCount              int            `gorm:"not null;default:0" json:"retry_count"`
	LastErrorMessage        *string        `gorm:"type:text" json:"last_error_message,omitempty"`
	LastRenewalInvoiceRef   string         `gorm:"type:varchar(191);not null;default:''" json:"-"`
	Metadata                datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt               time.Time      `gorm:"autoCreateTime;index:idx_subscriptions_status_created,priority:2" json:"created_at"`
	UpdatedAt               time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsSettled reports whether the subscription currently grants access.
func (s *Subscription) IsSettled() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}
