package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/lo"
)

var invoiceStatuses = []string{
	models.InvoiceStatusDraft,
	models.InvoiceStatusOpen,
	models.InvoiceStatusPaid,
	models.InvoiceStatusVoid,
	models.InvoiceStatusUncollectible,
	models.InvoiceStatusPastDue,
}

// final invoice states are never overwritten by later events
var finalInvoiceStatuses = []string{models.InvoiceStatusPaid, models.InvoiceStatusVoid}

// invoiceOwner is the Payment or Subscription an invoice belongs to.
type invoiceOwner struct {
	domain      Domain
	id          uint
	userID      uint
	amount      int64
	currency    string
	settled     bool
	customerRef string
	description string
}

func paymentOwner(p *models.Payment, customerRef string) invoiceOwner {
	return invoiceOwner{
		domain:      DomainPaymentIntent,
		id:          p.ID,
		userID:      p.UserID,
		amount:      p.Amount,
		currency:    normalizeCurrency(p.Currency),
		settled:     p.Status == models.PaymentStatusSucceeded,
		customerRef: customerRef,
		description: p.Description,
	}
}

func subscriptionOwner(s *models.Subscription, customerRef string) invoiceOwner {
	return invoiceOwner{
		domain:      DomainSubscription,
		id:          s.ID,
		userID:      s.UserID,
		amount:      s.Amount,
		currency:    normalizeCurrency(s.Currency),
		settled:     s.IsSettled(),
		customerRef: customerRef,
		description: s.PlanRef,
	}
}

func (o invoiceOwner) String() string {
	if o.domain == DomainSubscription {
		return aggregateRef("subscription", o.id)
	}
	return aggregateRef("payment", o.id)
}

// linkedElsewhere names the other aggregate of the same kind inv is linked to.
func (o invoiceOwner) linkedElsewhere(inv *models.Invoice) string {
	if o.domain == DomainSubscription && inv.SubscriptionID != nil && *inv.SubscriptionID != o.id {
		return aggregateRef("subscription", *inv.SubscriptionID)
	}
	if o.domain == DomainPaymentIntent && inv.PaymentID != nil && *inv.PaymentID != o.id {
		return aggregateRef("payment", *inv.PaymentID)
	}
	return ""
}

func (o invoiceOwner) link(inv *models.Invoice) {
	id := o.id
	if o.domain == DomainSubscription {
		inv.SubscriptionID = &id
	} else {
		inv.PaymentID = &id
	}
	if inv.UserID == nil && o.userID != 0 {
		userID := o.userID
		inv.UserID = &userID
	}
}

// InvoiceReconciler keeps local invoices in line with their owners. Invoices
// are derived data: creation is idempotent per owner and per provider ref.
type InvoiceReconciler struct {
	repo     Repository
	resolver *EntityResolver
	provider Provider
	cfg      Config
}

// NewInvoiceReconciler creates the invoice collaborator.
func NewInvoiceReconciler(repo Repository, resolver *EntityResolver, provider Provider, cfg Config) *InvoiceReconciler {
	return &InvoiceReconciler{repo: repo, resolver: resolver, provider: provider, cfg: cfg.withDefaults()}
}

// CreateOrLink returns the invoice of owner, linking an existing invoice with
// providerRef or creating a new one when there is none. Provider calls happen
// without holding any row lock.
func (r *InvoiceReconciler) CreateOrLink(ctx context.Context, owner invoiceOwner, providerRef string) (*models.Invoice, error) {
	providerRef = strings.TrimSpace(providerRef)
	// a subscription has one invoice per billing period, each known by its ref
	if owner.domain == DomainSubscription && providerRef == "" {
		return nil, nil
	}

	var invoice *models.Invoice
	err := r.repo.Transaction(ctx, func(tx Repository) error {
		if err := lockOwner(ctx, tx, owner); err != nil {
			return err
		}
		var err error
		invoice, err = r.linkExisting(ctx, tx, owner, providerRef)
		return err
	})
	if err != nil || invoice != nil {
		return invoice, err
	}

	remote, err := r.remoteInvoice(ctx, owner, providerRef)
	if err != nil {
		return nil, err
	}
	if remote != nil {
		providerRef = remote.Ref
	}

	err = r.repo.Transaction(ctx, func(tx Repository) error {
		if err := lockOwner(ctx, tx, owner); err != nil {
			return err
		}
		existing, err := r.linkExisting(ctx, tx, owner, providerRef)
		if err != nil {
			return err
		}
		if existing != nil {
			if remote != nil {
				log.Warnf("[Billing Invoice] %s got linked concurrently, provider invoice %s stays unlinked", owner, remote.Ref)
			}
			invoice = existing
			return nil
		}

		fresh := r.newInvoice(owner, remote)
		created, stored, err := tx.CreateInvoiceIfNotExists(ctx, fresh)
		if err != nil {
			return err
		}
		if !created {
			owner.link(stored)
			if err := tx.SaveInvoice(ctx, stored); err != nil {
				return err
			}
		}
		invoice = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Billing Invoice] Invoice %d ready for %s", invoice.ID, owner)
	return invoice, nil
}

// linkExisting returns the invoice already linked to a payment, or links the
// local invoice carrying providerRef. It runs under the owner lock.
func (r *InvoiceReconciler) linkExisting(ctx context.Context, tx Repository, owner invoiceOwner, providerRef string) (*models.Invoice, error) {
	if owner.domain == DomainPaymentIntent {
		linked, err := tx.LockInvoiceByOwner(ctx, owner.domain, owner.id)
		if err != nil || linked != nil {
			return linked, err
		}
	}
	if providerRef == "" {
		return nil, nil
	}

	byRef, err := tx.LockInvoiceByProviderRef(ctx, providerRef)
	if err != nil || byRef == nil {
		return nil, err
	}
	if other := owner.linkedElsewhere(byRef); other != "" {
		return nil, errDataInconsistency(
			fmt.Sprintf("invoice %s already belongs to %s, not %s", providerRef, other, owner),
			map[string]any{"invoice_ref": providerRef, "linked_to": other, "owner": owner.String()},
		)
	}
	owner.link(byRef)
	if owner.settled {
		syncInvoiceStatus(byRef, models.InvoiceStatusPaid, r.cfg.Now())
	}
	if err := tx.SaveInvoice(ctx, byRef); err != nil {
		return nil, err
	}
	return byRef, nil
}

func (r *InvoiceReconciler) remoteInvoice(ctx context.Context, owner invoiceOwner, providerRef string) (*ProviderInvoice, error) {
	if r.provider == nil {
		return nil, nil
	}

	if providerRef != "" {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
		defer cancel()
		remote, err := r.provider.RetrieveInvoice(callCtx, providerRef)
		if err != nil {
			return nil, errProviderUnavailable("retrieve invoice "+providerRef, err)
		}
		if err := checkInvoiceAmount(owner, remote); err != nil {
			return nil, err
		}
		return remote, nil
	}

	// subscription invoices are issued by the provider itself
	if owner.domain != DomainPaymentIntent || !owner.settled {
		return nil, nil
	}

	customerRef, err := r.ensureCustomer(ctx, owner)
	if err != nil || customerRef == "" {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()
	remote, err := r.provider.CreatePaidInvoice(callCtx, InvoiceRequest{
		CustomerRef:    customerRef,
		Amount:         owner.amount,
		Currency:       owner.currency,
		Description:    owner.description,
		Metadata:       map[string]string{"owner": owner.String()},
		IdempotencyKey: "invoice-" + strings.ReplaceAll(owner.String(), ":", "-"),
	})
	if err != nil {
		return nil, errProviderUnavailable("create invoice for "+owner.String(), err)
	}
	return remote, nil
}

// ensureCustomer returns the provider customer of the owner, creating one for
// the owning user when none is known yet. An owner without a user gets a
// local-only invoice.
func (r *InvoiceReconciler) ensureCustomer(ctx context.Context, owner invoiceOwner) (string, error) {
	if owner.customerRef != "" {
		return owner.customerRef, nil
	}
	if r.resolver == nil || r.resolver.users == nil || owner.userID == 0 {
		return "", nil
	}
	user, err := r.resolver.users.GetByID(owner.userID)
	if err != nil || user == nil {
		log.Warnf("[Billing Invoice] No user %d for %s, keeping invoice local: %v", owner.userID, owner, err)
		return "", nil
	}
	if ref := lo.FromPtr(user.StripeCustomerRef); ref != "" {
		return ref, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()
	ref, err := r.provider.CreateCustomer(callCtx, user.Email, user.Name, map[string]string{
		"user_id": strconv.FormatUint(uint64(user.ID), 10),
	})
	if err != nil {
		return "", errProviderUnavailable("create customer", err)
	}
	if err := r.resolver.users.SetStripeCustomerRef(user.ID, ref); err != nil {
		return "", fmt.Errorf("store customer %s for user %d: %w", ref, user.ID, err)
	}
	return ref, nil
}

func (r *InvoiceReconciler) newInvoice(owner invoiceOwner, remote *ProviderInvoice) *models.Invoice {
	inv := &models.Invoice{
		ProviderCustomerRef: owner.customerRef,
		Amount:              owner.amount,
		Currency:            owner.currency,
		Status:              models.InvoiceStatusOpen,
	}
	owner.link(inv)
	if remote != nil {
		ref := remote.Ref
		inv.ProviderInvoiceRef = &ref
		inv.InvoiceNumber = remote.Number
		inv.HostedURL = remote.HostedURL
		inv.PDFURL = remote.PDFURL
		if remote.CustomerRef != "" {
			inv.ProviderCustomerRef = remote.CustomerRef
		}
		if remote.Total != 0 {
			inv.Amount = remote.Total
		}
		if remote.Currency != "" {
			inv.Currency = normalizeCurrency(remote.Currency)
		}
	}
	if owner.settled {
		now := r.cfg.Now()
		inv.Status = models.InvoiceStatusPaid
		inv.PaidAt = &now
	}
	return inv
}

// HandleInvoiceEvent applies a standalone invoice event: an invoice known by its
// provider ref is status-synced, an unknown one becomes an unlinked placeholder
// when the event names a customer.
func (r *InvoiceReconciler) HandleInvoiceEvent(ctx context.Context, eventType string, p *payload) (Outcome, error) {
	ref := p.invoiceRef()
	if ref == "" {
		return ignored("%s carries no invoice id", eventType), nil
	}
	status := invoiceStatusForEvent(eventType, p.Status)
	customerRef := strings.TrimSpace(p.Customer.ID)

	user, err := r.resolver.ResolveUserByCustomer(customerRef)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err = r.repo.Transaction(ctx, func(tx Repository) error {
		existing, err := tx.LockInvoiceByProviderRef(ctx, ref)
		if err != nil {
			return err
		}
		if existing != nil {
			if syncInvoiceStatus(existing, status, r.cfg.Now()) {
				if err := tx.SaveInvoice(ctx, existing); err != nil {
					return err
				}
			}
			outcome = applied(aggregateRef("invoice", existing.ID))
			return nil
		}

		if customerRef == "" {
			outcome = ignored("invoice %s has no linkable owner and no customer", ref)
			return nil
		}

		placeholder := &models.Invoice{
			ProviderInvoiceRef:  &ref,
			ProviderCustomerRef: customerRef,
			InvoiceNumber:       p.Number,
			HostedURL:           p.HostedInvoiceURL,
			PDFURL:              p.InvoicePDF,
			Amount:              p.invoiceTotal(),
			Currency:            normalizeCurrency(p.Currency),
			Status:              status,
		}
		if user != nil {
			placeholder.UserID = &user.ID
		}
		if status == models.InvoiceStatusPaid {
			now := r.cfg.Now()
			placeholder.PaidAt = &now
		}
		created, stored, err := tx.CreateInvoiceIfNotExists(ctx, placeholder)
		if err != nil {
			return err
		}
		if !created && syncInvoiceStatus(stored, status, r.cfg.Now()) {
			if err := tx.SaveInvoice(ctx, stored); err != nil {
				return err
			}
		}
		outcome = applied(aggregateRef("invoice", stored.ID))
		return nil
	})
	return outcome, err
}

func invoiceStatusForEvent(eventType, payloadStatus string) string {
	switch eventType {
	case "invoice.created":
		return models.InvoiceStatusDraft
	case "invoice.finalized":
		return models.InvoiceStatusOpen
	case eventInvoicePaid, eventInvoicePaymentSucceeded:
		return models.InvoiceStatusPaid
	case eventInvoicePaymentFailed:
		return models.InvoiceStatusPastDue
	case "invoice.voided":
		return models.InvoiceStatusVoid
	case "invoice.marked_uncollectible":
		return models.InvoiceStatusUncollectible
	}
	if lo.Contains(invoiceStatuses, payloadStatus) {
		return payloadStatus
	}
	return models.InvoiceStatusOpen
}

// syncInvoiceStatus moves inv to status unless inv is already final. It reports
// whether anything changed.
func syncInvoiceStatus(inv *models.Invoice, status string, now time.Time) bool {
	if inv.Status == status || lo.Contains(finalInvoiceStatuses, inv.Status) {
		return false
	}
	inv.Status = status
	if status == models.InvoiceStatusPaid && inv.PaidAt == nil {
		inv.PaidAt = &now
	}
	return true
}

// checkInvoiceAmount rejects provider invoices that do not match a payment.
// Subscription invoices legitimately differ through proration and discounts.
func checkInvoiceAmount(owner invoiceOwner, remote *ProviderInvoice) error {
	if owner.domain != DomainPaymentIntent || remote == nil {
		return nil
	}
	currency := normalizeCurrency(remote.Currency)
	if remote.Total == owner.amount && (currency == "" || currency == owner.currency) {
		return nil
	}
	return errDataInconsistency(
		fmt.Sprintf("provider invoice %s totals %d %s but %s is %d %s",
			remote.Ref, remote.Total, currency, owner, owner.amount, owner.currency),
		map[string]any{
			"invoice_ref":      remote.Ref,
			"invoice_total":    remote.Total,
			"invoice_currency": currency,
			"owner":            owner.String(),
			"owner_amount":     owner.amount,
			"owner_currency":   owner.currency,
		},
	)
}

func lockOwner(ctx context.Context, tx Repository, owner invoiceOwner) error {
	var (
		found bool
		err   error
	)
	if owner.domain == DomainSubscription {
		var sub *models.Subscription
		sub, err = tx.LockSubscriptionByID(ctx, owner.id)
		found = sub != nil
	} else {
		var payment *models.Payment
		payment, err = tx.LockPaymentByID(ctx, owner.id)
		found = payment != nil
	}
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s disappeared while linking its invoice", owner)
	}
	return nil
}
