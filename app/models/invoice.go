package models

import "time"

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusVoid          = "void"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusPastDue       = "past_due"
)

// Invoice is derived from provider state and never the source of truth. It links
// outward to at most one Payment and at most one Subscription; an invoice with
// neither is a placeholder waiting for its owner.
type Invoice struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	PaymentID           *uint      `gorm:"index" json:"payment_id,omitempty"`
	SubscriptionID      *uint      `gorm:"index" json:"subscription_id,omitempty"`
	UserID              *uint      `gorm:"index" json:"user_id,omitempty"`
	ProviderInvoiceRef  *string    `gorm:"type:varchar(191);uniqueIndex:ux_invoices_provider_ref" json:"provider_invoice_ref,omitempty"`
	ProviderCustomerRef string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_customer_ref"`
	InvoiceNumber       string     `gorm:"type:varchar(64);not null;default:''" json:"invoice_number"`
	HostedURL           string     `gorm:"type:varchar(512);not null;default:''" json:"hosted_url"`
	PDFURL              string     `gorm:"type:varchar(512);not null;default:''" json:"pdf_url"`
	Amount              int64      `gorm:"not null;default:0" json:"amount"`
	Currency            string     `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	Status              string     `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	PaidAt              *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPlaceholder reports whether no owner has been linked yet.
func (i *Invoice) IsPlaceholder() bool {
	return i.PaymentID == nil && i.SubscriptionID == nil
}
