package billing

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// objectRef is a Stripe reference field that arrives either as a bare id or as
// an expanded object carrying an "id".
type objectRef struct {
	ID string
}

func (r *objectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

type errorInfo struct {
	Message string `json:"message"`
}

type priceInfo struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval"`
	Recurring  *struct {
		Interval string `json:"interval"`
	} `json:"recurring"`
}

func (p *priceInfo) amount() int64 {
	if p.UnitAmount != 0 {
		return p.UnitAmount
	}
	return p.Amount
}

func (p *priceInfo) interval() string {
	if p.Recurring != nil && p.Recurring.Interval != "" {
		return p.Recurring.Interval
	}
	return p.Interval
}

type subscriptionItem struct {
	Price              *priceInfo `json:"price"`
	Plan               *priceInfo `json:"plan"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
}

// payload is the subset of a provider object snapshot that reconciliation reads.
// One struct covers checkout sessions, payment intents, subscriptions and
// invoices; absent fields stay zero.
type payload struct {
	ID            string    `json:"id"`
	Object        string    `json:"object"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	Customer      objectRef `json:"customer"`
	Subscription  objectRef `json:"subscription"`
	PaymentIntent objectRef `json:"payment_intent"`
	Invoice       objectRef `json:"invoice"`

	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
	AmountTotal int64  `json:"amount_total"`
	AmountDue   int64  `json:"amount_due"`
	AmountPaid  int64  `json:"amount_paid"`
	Total       int64  `json:"total"`

	BillingReason     string `json:"billing_reason"`
	AttemptCount      int    `json:"attempt_count"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`

	StartDate          int64 `json:"start_date"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	PeriodStart        int64 `json:"period_start"`
	PeriodEnd          int64 `json:"period_end"`

	Number           string `json:"number"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	InvoicePDF       string `json:"invoice_pdf"`

	LastPaymentError      *errorInfo `json:"last_payment_error"`
	LastFinalizationError *errorInfo `json:"last_finalization_error"`

	Plan  *priceInfo `json:"plan"`
	Items struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription objectRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`

	Metadata map[string]string `json:"metadata"`
}

func parsePayload(raw []byte) (*payload, error) {
	var p payload
	if len(bytes.TrimSpace(raw)) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// subscriptionRef returns the provider subscription id carried by the object.
// Subscription objects carry it as their own id, invoices either top-level or
// under parent.subscription_details on newer API versions.
func (p *payload) subscriptionRef() string {
	if p.Object == "subscription" {
		return p.ID
	}
	if p.Subscription.ID != "" {
		return p.Subscription.ID
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (p *payload) paymentIntentRef() string {
	if p.Object == "payment_intent" {
		return p.ID
	}
	return p.PaymentIntent.ID
}

func (p *payload) invoiceRef() string {
	if p.Object == "invoice" {
		return p.ID
	}
	return p.Invoice.ID
}

func (p *payload) firstItem() *subscriptionItem {
	if len(p.Items.Data) == 0 {
		return nil
	}
	return &p.Items.Data[0]
}

func (p *payload) price() *priceInfo {
	if p.Plan != nil {
		return p.Plan
	}
	if item := p.firstItem(); item != nil {
		if item.Price != nil {
			return item.Price
		}
		return item.Plan
	}
	return nil
}

func (p *payload) periodStart() *time.Time {
	v := p.CurrentPeriodStart
	if v == 0 {
		if item := p.firstItem(); item != nil {
			v = item.CurrentPeriodStart
		}
	}
	if v == 0 {
		v = p.StartDate
	}
	return unixTime(v)
}

func (p *payload) periodEnd() *time.Time {
	v := p.CurrentPeriodEnd
	if v == 0 {
		if item := p.firstItem(); item != nil {
			v = item.CurrentPeriodEnd
		}
	}
	return unixTime(v)
}

// invoiceTotal is the amount an invoice object settles.
func (p *payload) invoiceTotal() int64 {
	switch {
	case p.Total != 0:
		return p.Total
	case p.AmountPaid != 0:
		return p.AmountPaid
	default:
		return p.AmountDue
	}
}

func (p *payload) failureMessage() string {
	if p.LastFinalizationError != nil && p.LastFinalizationError.Message != "" {
		return p.LastFinalizationError.Message
	}
	if p.LastPaymentError != nil && p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return ""
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func normalizeCurrency(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
