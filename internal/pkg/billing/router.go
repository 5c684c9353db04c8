package billing

import (
	"context"
	"strings"
)

const (
	eventCheckoutCompleted       = "checkout.session.completed"
	eventPaymentIntentSucceeded  = "payment_intent.succeeded"
	eventPaymentIntentFailed     = "payment_intent.payment_failed"
	eventSubscriptionCreated     = "customer.subscription.created"
	eventSubscriptionUpdated     = "customer.subscription.updated"
	eventSubscriptionDeleted     = "customer.subscription.deleted"
	eventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	eventInvoicePaid             = "invoice.paid"
	eventInvoicePaymentFailed    = "invoice.payment_failed"

	invoiceEventPrefix = "invoice."
)

var domainPrefixes = []struct {
	prefix string
	domain Domain
}{
	{"customer.subscription.", DomainSubscription},
	{"payment_intent.", DomainPaymentIntent},
	{"charge.", DomainPaymentIntent},
	{"checkout.session.", DomainPaymentIntent},
}

// Reconciler applies one event to the aggregate it concerns.
type Reconciler interface {
	Domain() Domain
	Reconcile(ctx context.Context, eventType string, p *payload) (Outcome, error)
}

// Classify picks the processing domain for an event. It only looks at the event
// type and payload so a retry lands in the same domain.
func Classify(eventType string, raw []byte) Domain {
	p, err := parsePayload(raw)
	if err != nil {
		p = &payload{}
	}
	return classify(eventType, p)
}

func classify(eventType string, p *payload) Domain {
	if eventType == eventCheckoutCompleted {
		switch p.Mode {
		case "subscription":
			return DomainSubscription
		case "payment":
			return DomainPaymentIntent
		}
	}

	if strings.HasPrefix(eventType, invoiceEventPrefix) {
		if p.subscriptionRef() != "" {
			return DomainSubscription
		}
		if p.paymentIntentRef() != "" {
			return DomainPaymentIntent
		}
	}

	for _, rule := range domainPrefixes {
		if strings.HasPrefix(eventType, rule.prefix) {
			return rule.domain
		}
	}
	return DomainPaymentIntent
}

// Router hands out the reconciler for a domain.
type Router struct {
	payments      *PaymentReconciler
	subscriptions *SubscriptionReconciler
}

// NewRouter wires both reconcilers.
func NewRouter(payments *PaymentReconciler, subscriptions *SubscriptionReconciler) *Router {
	return &Router{payments: payments, subscriptions: subscriptions}
}

// For returns the reconciler responsible for d.
func (r *Router) For(d Domain) Reconciler {
	switch d {
	case DomainSubscription:
		return r.subscriptions
	case DomainPaymentIntent:
		return r.payments
	default:
		return r.payments
	}
}
