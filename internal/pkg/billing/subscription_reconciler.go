package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
)

const (
	billingReasonCycle        = "subscription_cycle"
	defaultPaymentFailMessage = "Invoice payment failed"
)

// SubscriptionReconciler drives the subscription state machine:
// pending -> incomplete -> active <-> past_due/unpaid -> canceled. Canceled is
// terminal.
type SubscriptionReconciler struct {
	repo     Repository
	resolver *EntityResolver
	invoices *InvoiceReconciler
	now      func() time.Time
}

// NewSubscriptionReconciler creates the subscription domain reconciler.
func NewSubscriptionReconciler(repo Repository, resolver *EntityResolver, invoices *InvoiceReconciler, now func() time.Time) *SubscriptionReconciler {
	if now == nil {
		now = time.Now
	}
	return &SubscriptionReconciler{repo: repo, resolver: resolver, invoices: invoices, now: now}
}

func (r *SubscriptionReconciler) Domain() Domain {
	return DomainSubscription
}

func (r *SubscriptionReconciler) Reconcile(ctx context.Context, eventType string, p *payload) (Outcome, error) {
	switch eventType {
	case eventCheckoutCompleted:
		return r.apply(ctx, false, eventType, r.checkoutCompleted(p), subscriptionKey(p.subscriptionRef()), sessionKey(p.ID))
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		return r.apply(ctx, true, eventType, r.providerSync(eventType, p), subscriptionKey(p.subscriptionRef()))
	case eventSubscriptionDeleted:
		return r.apply(ctx, true, eventType, r.deleted, subscriptionKey(p.subscriptionRef()))
	case eventInvoicePaymentSucceeded, eventInvoicePaid:
		outcome, sub, err := r.applyWithResult(ctx, false, eventType, r.renewed(p), subscriptionKey(p.subscriptionRef()))
		if err != nil {
			return Outcome{}, err
		}
		if sub == nil {
			return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
		}
		if outcome.Kind != OutcomeApplied || !sub.IsSettled() {
			return outcome, nil
		}
		if _, err := r.invoices.CreateOrLink(ctx, subscriptionOwner(sub, p.Customer.ID), p.invoiceRef()); err != nil {
			return Outcome{}, err
		}
		return outcome, nil
	case eventInvoicePaymentFailed:
		outcome, sub, err := r.applyWithResult(ctx, false, eventType, r.paymentFailed(p).locked(), subscriptionKey(p.subscriptionRef()))
		if err == nil && sub == nil {
			return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
		}
		return outcome, err
	}

	if strings.HasPrefix(eventType, invoiceEventPrefix) {
		return r.invoices.HandleInvoiceEvent(ctx, eventType, p)
	}
	return ignored("no transition for %s", eventType), nil
}

type subscriptionMutation func(sub *models.Subscription) bool

// lockedMutation runs with the subscription row locked and may read other rows
// through tx.
type lockedMutation func(ctx context.Context, tx Repository, sub *models.Subscription) (bool, error)

func (m subscriptionMutation) locked() lockedMutation {
	return func(_ context.Context, _ Repository, sub *models.Subscription) (bool, error) {
		return m(sub), nil
	}
}

func (r *SubscriptionReconciler) apply(ctx context.Context, retryable bool, eventType string, mutate subscriptionMutation, keys ...correlationKey) (Outcome, error) {
	outcome, _, err := r.applyWithResult(ctx, retryable, eventType, mutate.locked(), keys...)
	return outcome, err
}

// applyWithResult locks the subscription, mutates and saves it. It returns the
// subscription whenever one was found. Lifecycle events that cannot be resolved
// are returned as errors so the retry pass can synthesize the subscription
// later; everything else unresolved is ignored.
func (r *SubscriptionReconciler) applyWithResult(ctx context.Context, retryable bool, eventType string, mutate lockedMutation, keys ...correlationKey) (Outcome, *models.Subscription, error) {
	var (
		outcome Outcome
		result  *models.Subscription
	)
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := r.resolver.ResolveSubscription(ctx, tx, keys...)
		if err != nil {
			return err
		}
		if sub == nil {
			if retryable {
				return errUnresolvedAggregate("subscription", describeKeys(keys))
			}
			outcome = ignored("no local subscription for %s", describeKeys(keys))
			return nil
		}

		result = sub
		if sub.Status == models.SubscriptionStatusCanceled && eventType != eventSubscriptionDeleted {
			outcome = ignored("subscription %d is canceled", sub.ID)
			return nil
		}
		changed, err := mutate(ctx, tx, sub)
		if err != nil {
			return err
		}
		if changed {
			if err := tx.SaveSubscription(ctx, sub); err != nil {
				return err
			}
		}
		outcome = applied(aggregateRef("subscription", sub.ID))
		return nil
	})
	return outcome, result, err
}

// checkoutCompleted marks the placeholder as awaiting payment confirmation. A
// row already holding the provider ref (synthesized earlier) is preferred over
// the session placeholder so provider refs stay unique.
func (r *SubscriptionReconciler) checkoutCompleted(p *payload) subscriptionMutation {
	return func(sub *models.Subscription) bool {
		changed := false
		if p.ID != "" && sub.CheckoutSessionRef == nil {
			session := p.ID
			sub.CheckoutSessionRef = &session
			changed = true
		}
		if ref := p.subscriptionRef(); ref != "" && sub.ProviderSubscriptionRef == nil {
			sub.ProviderSubscriptionRef = &ref
			changed = true
		}
		if sub.Status == models.SubscriptionStatusPending {
			sub.Status = models.SubscriptionStatusIncomplete
			changed = true
		}
		return changed
	}
}

func (r *SubscriptionReconciler) providerSync(eventType string, p *payload) subscriptionMutation {
	return func(sub *models.Subscription) bool {
		before := snapshot(sub)

		r.setStatus(sub, mapProviderStatus(p.Status))
		if start := p.periodStart(); start != nil && (eventType == eventSubscriptionCreated || sub.StartDate == nil) {
			sub.StartDate = start
		}
		sub.EndDate = laterOf(sub.EndDate, p.periodEnd())
		metadataChanged := false
		if raw := metadataJSON(p.Metadata); raw != nil && !bytes.Equal(raw, sub.Metadata) {
			sub.Metadata = raw
			metadataChanged = true
		}
		if eventType == eventSubscriptionUpdated {
			sub.AutoRenew = !p.CancelAtPeriodEnd && sub.Status != models.SubscriptionStatusCanceled
		}
		if price := p.price(); price != nil {
			if sub.PlanRef == "" {
				sub.PlanRef = price.ID
			}
			if iv := price.interval(); iv != "" {
				sub.Interval = normalizeInterval(iv)
			}
		}
		return metadataChanged || before != snapshot(sub)
	}
}

func (r *SubscriptionReconciler) deleted(sub *models.Subscription) bool {
	before := snapshot(sub)
	r.setStatus(sub, models.SubscriptionStatusCanceled)
	return before != snapshot(sub)
}

// renewed activates the subscription and, for renewal invoices, advances the
// period end by one interval from the current end. An invoice already linked
// to the subscription, or the last renewal ref, has advanced it before.
func (r *SubscriptionReconciler) renewed(p *payload) lockedMutation {
	return func(ctx context.Context, tx Repository, sub *models.Subscription) (bool, error) {
		before := snapshot(sub)

		r.setStatus(sub, models.SubscriptionStatusActive)
		sub.LastErrorMessage = nil
		sub.RetryCount = 0

		invoiceRef := p.invoiceRef()
		if p.BillingReason == billingReasonCycle && invoiceRef != sub.LastRenewalInvoiceRef {
			seen, err := renewalInvoiceLinked(ctx, tx, sub, invoiceRef)
			if err != nil {
				return false, err
			}
			if !seen {
				if sub.EndDate != nil {
					next := addInterval(*sub.EndDate, sub.Interval)
					sub.EndDate = &next
				} else {
					sub.EndDate = laterOf(nil, p.periodEnd())
				}
				sub.LastRenewalInvoiceRef = invoiceRef
			}
		}
		return before != snapshot(sub), nil
	}
}

func renewalInvoiceLinked(ctx context.Context, tx Repository, sub *models.Subscription, invoiceRef string) (bool, error) {
	if invoiceRef == "" {
		return false, nil
	}
	inv, err := tx.LockInvoiceByProviderRef(ctx, invoiceRef)
	if err != nil || inv == nil {
		return false, err
	}
	return inv.SubscriptionID != nil && *inv.SubscriptionID == sub.ID, nil
}

func (r *SubscriptionReconciler) paymentFailed(p *payload) subscriptionMutation {
	return func(sub *models.Subscription) bool {
		before := snapshot(sub)

		r.setStatus(sub, models.SubscriptionStatusPastDue)
		if p.AttemptCount > 0 {
			sub.RetryCount = p.AttemptCount
		} else {
			sub.RetryCount++
		}
		msg := p.failureMessage()
		if msg == "" {
			msg = defaultPaymentFailMessage
		}
		sub.LastErrorMessage = &msg
		return before != snapshot(sub)
	}
}

// setStatus is the only place that changes a subscription status. Canceled is
// terminal and stamps canceled_at exactly once.
func (r *SubscriptionReconciler) setStatus(sub *models.Subscription, status string) {
	if sub.Status == models.SubscriptionStatusCanceled {
		sub.AutoRenew = false
		return
	}
	sub.Status = status
	if status == models.SubscriptionStatusCanceled {
		sub.AutoRenew = false
		if sub.CanceledAt == nil {
			now := r.now()
			sub.CanceledAt = &now
		}
	}
}

// Synthesize creates the local subscription for a provider subscription that
// was never seen locally. The owner is resolved through the customer ref.
func (r *SubscriptionReconciler) Synthesize(ctx context.Context, p *payload) (*models.Subscription, error) {
	ref := p.subscriptionRef()
	if ref == "" {
		return nil, errUnresolvedAggregate("subscription", "payload without subscription id")
	}

	var existing *models.Subscription
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		var err error
		existing, err = r.resolver.ResolveSubscription(ctx, tx, subscriptionKey(ref))
		return err
	})
	if err != nil || existing != nil {
		return existing, err
	}

	user, err := r.resolver.ResolveUserByCustomer(p.Customer.ID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errUserUnresolved(p.Customer.ID)
	}

	sub := &models.Subscription{
		UserID:                  user.ID,
		ProviderSubscriptionRef: &ref,
		Status:                  models.SubscriptionStatusPending,
		Interval:                models.BillingIntervalMonth,
		AutoRenew:               !p.CancelAtPeriodEnd,
		StartDate:               p.periodStart(),
		EndDate:                 p.periodEnd(),
		CreatedAt:               r.now(),
	}
	if price := p.price(); price != nil {
		sub.PlanRef = price.ID
		sub.Amount = price.amount()
		sub.Currency = normalizeCurrency(price.Currency)
		sub.Interval = normalizeInterval(price.interval())
	}
	r.setStatus(sub, mapProviderStatus(p.Status))
	sub.Metadata = metadataJSON(p.Metadata)

	created, stored, err := r.repo.CreateSubscriptionIfNotExists(ctx, sub)
	if err != nil {
		return nil, err
	}
	if created {
		log.Infof("[Billing Subscription] Synthesized subscription %d for %s (user %d)", stored.ID, ref, user.ID)
	}
	return stored, nil
}

func metadataJSON(m map[string]string) datatypes.JSON {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// subscriptionState is the comparable part of a subscription used to detect
// whether a mutation changed anything.
type subscriptionState struct {
	status, planRef, interval, lastRenewal, lastError string
	providerRef                                       string
	start, end, canceled                              int64
	autoRenew                                         bool
	retryCount                                        int
}

func snapshot(sub *models.Subscription) subscriptionState {
	s := subscriptionState{
		status:      sub.Status,
		planRef:     sub.PlanRef,
		interval:    sub.Interval,
		lastRenewal: sub.LastRenewalInvoiceRef,
		autoRenew:   sub.AutoRenew,
		retryCount:  sub.RetryCount,
	}
	if sub.LastErrorMessage != nil {
		s.lastError = *sub.LastErrorMessage
	}
	if sub.ProviderSubscriptionRef != nil {
		s.providerRef = *sub.ProviderSubscriptionRef
	}
	s.start = unixOrZero(sub.StartDate)
	s.end = unixOrZero(sub.EndDate)
	s.canceled = unixOrZero(sub.CanceledAt)
	return s
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
