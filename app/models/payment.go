package models

import "time"

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

const PaymentTypeOneTime = "one_time"

// Payment is a one-time charge. Either provider reference may be known first;
// reconciliation backfills the other one.
type Payment struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"not null;index" json:"user_id"`
	CheckoutSessionRef *string   `gorm:"type:varchar(191);uniqueIndex:ux_payments_checkout_session_ref" json:"checkout_session_ref,omitempty"`
	PaymentIntentRef   *string   `gorm:"type:varchar(191);uniqueIndex:ux_payments_payment_intent_ref" json:"payment_intent_ref,omitempty"`
	Amount             int64     `gorm:"not null" json:"amount"`
	Currency           string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status             string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PaymentType        string    `gorm:"type:varchar(20);not null;default:'one_time'" json:"payment_type"`
	Description        string    `gorm:"type:varchar(255);default:''" json:"description"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
