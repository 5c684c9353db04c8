package billing

import "context"

// Checkout session states reported by the provider.
const (
	SessionStatusOpen     = "open"
	SessionStatusComplete = "complete"
	SessionStatusExpired  = "expired"
)

// CheckoutSession is the provider view of a checkout session.
type CheckoutSession struct {
	Ref             string
	Status          string
	PaymentStatus   string
	SubscriptionRef string
}

// ProviderInvoice is the provider view of an invoice.
type ProviderInvoice struct {
	Ref         string
	Number      string
	HostedURL   string
	PDFURL      string
	Total       int64
	Currency    string
	Status      string
	CustomerRef string
}

// InvoiceRequest describes an invoice to create provider-side for a payment
// that was settled outside the provider's invoicing flow.
type InvoiceRequest struct {
	CustomerRef    string
	Amount         int64
	Currency       string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Provider is the payment provider gateway.
type Provider interface {
	RetrieveCheckoutSession(ctx context.Context, ref string) (*CheckoutSession, error)
	RetrieveInvoice(ctx context.Context, ref string) (*ProviderInvoice, error)
	// CreatePaidInvoice creates, finalizes and marks an invoice paid out of band.
	CreatePaidInvoice(ctx context.Context, req InvoiceRequest) (*ProviderInvoice, error)
	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error)
}
