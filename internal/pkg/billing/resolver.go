package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"gorm.io/gorm"
)

// UserDirectory resolves local users from provider customer references.
type UserDirectory interface {
	GetByID(id uint) (*models.User, error)
	GetByStripeCustomerRef(ref string) (*models.User, error)
	SetStripeCustomerRef(userID uint, ref string) error
}

type keyKind int

const (
	keySession keyKind = iota
	keyPaymentIntent
	keySubscription
)

// correlationKey is one provider reference that can locate an aggregate.
type correlationKey struct {
	kind keyKind
	ref  string
}

func sessionKey(ref string) correlationKey { return correlationKey{keySession, strings.TrimSpace(ref)} }
func intentKey(ref string) correlationKey {
	return correlationKey{keyPaymentIntent, strings.TrimSpace(ref)}
}
func subscriptionKey(ref string) correlationKey {
	return correlationKey{keySubscription, strings.TrimSpace(ref)}
}

// EntityResolver locates local aggregates from provider references. It never
// guesses: no matching key means no aggregate.
type EntityResolver struct {
	users UserDirectory
}

// NewEntityResolver creates a resolver using users for customer lookups.
func NewEntityResolver(users UserDirectory) *EntityResolver {
	return &EntityResolver{users: users}
}

// ResolvePayment tries the keys in the given order and locks the first match.
func (r *EntityResolver) ResolvePayment(ctx context.Context, tx Repository, keys ...correlationKey) (*models.Payment, error) {
	for _, key := range keys {
		if key.ref == "" {
			continue
		}
		var (
			payment *models.Payment
			err     error
		)
		switch key.kind {
		case keySession:
			payment, err = tx.LockPaymentBySessionRef(ctx, key.ref)
		case keyPaymentIntent:
			payment, err = tx.LockPaymentByIntentRef(ctx, key.ref)
		default:
			continue
		}
		if err != nil || payment != nil {
			return payment, err
		}
	}
	return nil, nil
}

// ResolveSubscription tries the keys in the given order and locks the first match.
func (r *EntityResolver) ResolveSubscription(ctx context.Context, tx Repository, keys ...correlationKey) (*models.Subscription, error) {
	for _, key := range keys {
		if key.ref == "" {
			continue
		}
		var (
			sub *models.Subscription
			err error
		)
		switch key.kind {
		case keySubscription:
			sub, err = tx.LockSubscriptionByProviderRef(ctx, key.ref)
		case keySession:
			sub, err = tx.LockSubscriptionBySessionRef(ctx, key.ref)
		default:
			continue
		}
		if err != nil || sub != nil {
			return sub, err
		}
	}
	return nil, nil
}

// ResolveUserByCustomer returns the user linked to a provider customer, or nil.
// Call it outside of a transaction.
func (r *EntityResolver) ResolveUserByCustomer(customerRef string) (*models.User, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" || r.users == nil {
		return nil, nil
	}
	user, err := r.users.GetByStripeCustomerRef(customerRef)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
