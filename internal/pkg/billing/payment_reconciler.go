package billing

import (
	"context"
	"strings"

	"github.com/ManuelReschke/LedgerFox/app/models"
)

// PaymentReconciler drives the one-time payment state machine:
// pending -> succeeded | failed. Succeeded is final; failed may still turn into
// succeeded when the customer retries, but never back to pending.
type PaymentReconciler struct {
	repo     Repository
	resolver *EntityResolver
	invoices *InvoiceReconciler
}

// NewPaymentReconciler creates the payment-intent domain reconciler.
func NewPaymentReconciler(repo Repository, resolver *EntityResolver, invoices *InvoiceReconciler) *PaymentReconciler {
	return &PaymentReconciler{repo: repo, resolver: resolver, invoices: invoices}
}

func (r *PaymentReconciler) Domain() Domain {
	return DomainPaymentIntent
}

func (r *PaymentReconciler) Reconcile(ctx context.Context, eventType string, p *payload) (Outcome, error) {
	switch eventType {
	case eventCheckoutCompleted:
		return r.checkoutCompleted(ctx, p)
	case eventPaymentIntentSucceeded:
		return r.settle(ctx, []correlationKey{intentKey(p.paymentIntentRef())}, p, p.invoiceRef())
	case eventPaymentIntentFailed:
		return r.fail(ctx, p)
	case eventInvoicePaymentSucceeded, eventInvoicePaid:
		if p.paymentIntentRef() == "" {
			return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
		}
		outcome, err := r.settle(ctx, []correlationKey{intentKey(p.paymentIntentRef())}, p, p.invoiceRef())
		if err == nil && outcome.Kind == OutcomeIgnored {
			return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
		}
		return outcome, err
	}

	if strings.HasPrefix(eventType, invoiceEventPrefix) {
		return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
	}
	return r.untracked(ctx, eventType, p)
}

// checkoutCompleted finds the payment by session first and backfills the
// payment intent ref, so a later payment_intent event hits the same row.
func (r *PaymentReconciler) checkoutCompleted(ctx context.Context, p *payload) (Outcome, error) {
	keys := []correlationKey{sessionKey(p.ID), intentKey(p.paymentIntentRef())}
	if p.PaymentStatus != "paid" {
		return r.apply(ctx, keys, func(*models.Payment) bool { return false })
	}
	return r.settle(ctx, keys, p, p.invoiceRef())
}

func (r *PaymentReconciler) settle(ctx context.Context, keys []correlationKey, p *payload, invoiceRef string) (Outcome, error) {
	var settled *models.Payment
	outcome, err := r.apply(ctx, keys, func(payment *models.Payment) bool {
		settled = payment
		if payment.Status == models.PaymentStatusSucceeded {
			return false
		}
		payment.Status = models.PaymentStatusSucceeded
		return true
	})
	if err != nil || outcome.Kind != OutcomeApplied {
		return outcome, err
	}

	// outside the payment lock, may call the provider
	if _, err := r.invoices.CreateOrLink(ctx, paymentOwner(settled, p.Customer.ID), invoiceRef); err != nil {
		return Outcome{}, err
	}
	return outcome, nil
}

func (r *PaymentReconciler) fail(ctx context.Context, p *payload) (Outcome, error) {
	return r.apply(ctx, []correlationKey{intentKey(p.paymentIntentRef())}, func(payment *models.Payment) bool {
		if payment.Status != models.PaymentStatusPending {
			return false
		}
		payment.Status = models.PaymentStatusFailed
		return true
	})
}

// apply locks the payment, backfills missing refs, runs mutate and saves when
// anything changed.
func (r *PaymentReconciler) apply(ctx context.Context, keys []correlationKey, mutate func(*models.Payment) bool) (Outcome, error) {
	var outcome Outcome
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		payment, err := r.resolver.ResolvePayment(ctx, tx, keys...)
		if err != nil {
			return err
		}
		if payment == nil {
			outcome = ignored("no local payment for %s", describeKeys(keys))
			return nil
		}

		changed := backfillPaymentRefs(payment, keys)
		if mutate(payment) {
			changed = true
		}
		if changed {
			if err := tx.SavePayment(ctx, payment); err != nil {
				return err
			}
		}
		outcome = applied(aggregateRef("payment", payment.ID))
		return nil
	})
	return outcome, err
}

// untracked handles event types without a transition, e.g. charge.* events.
func (r *PaymentReconciler) untracked(ctx context.Context, eventType string, p *payload) (Outcome, error) {
	ref := p.paymentIntentRef()
	if ref == "" {
		return ignored("%s carries no payment intent", eventType), nil
	}
	var found bool
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		payment, err := r.resolver.ResolvePayment(ctx, tx, intentKey(ref))
		found = payment != nil
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if !found {
		return ignored("no local payment for payment intent %s", ref), nil
	}
	return ignored("no transition for %s", eventType), nil
}

func backfillPaymentRefs(payment *models.Payment, keys []correlationKey) bool {
	changed := false
	for _, key := range keys {
		if key.ref == "" {
			continue
		}
		ref := key.ref
		switch {
		case key.kind == keySession && payment.CheckoutSessionRef == nil:
			payment.CheckoutSessionRef = &ref
			changed = true
		case key.kind == keyPaymentIntent && payment.PaymentIntentRef == nil:
			payment.PaymentIntentRef = &ref
			changed = true
		}
	}
	return changed
}

func describeKeys(keys []correlationKey) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		if key.ref != "" {
			parts = append(parts, key.ref)
		}
	}
	if len(parts) == 0 {
		return "an event without references"
	}
	return strings.Join(parts, ", ")
}
