package stripegw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/env"
	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Gateway implements billing.Provider on top of the Stripe API.
type Gateway struct {
	client *stripe.Client
}

var _ billing.Provider = (*Gateway)(nil)

// New creates a gateway for the given secret key.
func New(secretKey string, opts ...stripe.ClientOption) *Gateway {
	return &Gateway{client: stripe.NewClient(secretKey, opts...)}
}

// NewFromEnv creates a gateway from STRIPE_SECRET_KEY, or returns nil when no
// key is configured.
func NewFromEnv() *Gateway {
	key := strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", ""))
	if key == "" {
		log.Warn("[Stripe] STRIPE_SECRET_KEY not set, provider calls are disabled")
		return nil
	}
	return New(key)
}

func (g *Gateway) RetrieveCheckoutSession(ctx context.Context, ref string) (*billing.CheckoutSession, error) {
	session, err := g.client.V1CheckoutSessions.Retrieve(ctx, ref, &stripe.CheckoutSessionRetrieveParams{})
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", ref, err)
	}
	out := &billing.CheckoutSession{
		Ref:           session.ID,
		Status:        string(session.Status),
		PaymentStatus: string(session.PaymentStatus),
	}
	if session.Subscription != nil {
		out.SubscriptionRef = session.Subscription.ID
	}
	return out, nil
}

func (g *Gateway) RetrieveInvoice(ctx context.Context, ref string) (*billing.ProviderInvoice, error) {
	inv, err := g.client.V1Invoices.Retrieve(ctx, ref, &stripe.InvoiceRetrieveParams{})
	if err != nil {
		return nil, fmt.Errorf("retrieve invoice %s: %w", ref, err)
	}
	return toProviderInvoice(inv), nil
}

// CreatePaidInvoice issues a one-line invoice, finalizes it and marks it paid
// out of band, since the money was already collected by the payment intent.
// Every step reuses the request idempotency key with its own suffix so a
// retried request resumes instead of duplicating.
func (g *Gateway) CreatePaidInvoice(ctx context.Context, req billing.InvoiceRequest) (*billing.ProviderInvoice, error) {
	if req.CustomerRef == "" || req.Amount <= 0 || req.Currency == "" {
		return nil, errors.New("customer, amount and currency are required")
	}

	invoiceParams := &stripe.InvoiceCreateParams{
		Customer:                    stripe.String(req.CustomerRef),
		AutoAdvance:                 stripe.Bool(false),
		CollectionMethod:            stripe.String(string(stripe.InvoiceCollectionMethodSendInvoice)),
		DaysUntilDue:                stripe.Int64(0),
		PendingInvoiceItemsBehavior: stripe.String("exclude"),
		Metadata:                    req.Metadata,
	}
	if req.Description != "" {
		invoiceParams.Description = stripe.String(req.Description)
	}
	withIdempotency(&invoiceParams.Params, req.IdempotencyKey, "invoice")
	inv, err := g.client.V1Invoices.Create(ctx, invoiceParams)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	itemParams := &stripe.InvoiceItemCreateParams{
		Customer: stripe.String(req.CustomerRef),
		Invoice:  stripe.String(inv.ID),
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Metadata: req.Metadata,
	}
	if req.Description != "" {
		itemParams.Description = stripe.String(req.Description)
	}
	withIdempotency(&itemParams.Params, req.IdempotencyKey, "item")
	if _, err := g.client.V1InvoiceItems.Create(ctx, itemParams); err != nil {
		return nil, fmt.Errorf("add item to invoice %s: %w", inv.ID, err)
	}

	finalizeParams := &stripe.InvoiceFinalizeInvoiceParams{AutoAdvance: stripe.Bool(false)}
	withIdempotency(&finalizeParams.Params, req.IdempotencyKey, "finalize")
	finalized, err := g.client.V1Invoices.FinalizeInvoice(ctx, inv.ID, finalizeParams)
	if err != nil {
		return nil, fmt.Errorf("finalize invoice %s: %w", inv.ID, err)
	}

	payParams := &stripe.InvoicePayParams{PaidOutOfBand: stripe.Bool(true)}
	withIdempotency(&payParams.Params, req.IdempotencyKey, "pay")
	paid, err := g.client.V1Invoices.Pay(ctx, finalized.ID, payParams)
	if err != nil {
		return nil, fmt.Errorf("mark invoice %s paid: %w", finalized.ID, err)
	}

	log.Infof("[Stripe] Created paid invoice %s for customer %s", paid.ID, req.CustomerRef)
	return toProviderInvoice(paid), nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email:    stripe.String(email),
		Metadata: metadata,
	}
	if name != "" {
		params.Name = stripe.String(name)
	}
	if userID := metadata["user_id"]; userID != "" {
		params.SetIdempotencyKey("customer-user-" + userID)
	}
	customer, err := g.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return customer.ID, nil
}

// ParseEvent verifies a webhook delivery and turns it into an engine event.
func ParseEvent(payload []byte, signature, secret string) (billing.Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return billing.Event{}, err
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return billing.Event{}, errors.New("stripe event without data object")
	}
	return billing.Event{ID: ev.ID, Type: string(ev.Type), Payload: ev.Data.Raw}, nil
}

func toProviderInvoice(inv *stripe.Invoice) *billing.ProviderInvoice {
	out := &billing.ProviderInvoice{
		Ref:       inv.ID,
		Number:    inv.Number,
		HostedURL: inv.HostedInvoiceURL,
		PDFURL:    inv.InvoicePDF,
		Total:     inv.Total,
		Currency:  string(inv.Currency),
		Status:    string(inv.Status),
	}
	if inv.Customer != nil {
		out.CustomerRef = inv.Customer.ID
	}
	return out
}

func withIdempotency(params *stripe.Params, key, step string) {
	if key != "" {
		params.SetIdempotencyKey(key + "-" + step)
	}
}
