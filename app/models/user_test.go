package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserNormalisesEmail(t *testing.T) {
	u, err := CreateUser("  Jane Doe ", " Jane@Example.COM ")
	require.NoError(t, err)

	assert.Equal(t, "Jane Doe", u.Name)
	assert.Equal(t, "jane@example.com", u.Email)
	assert.True(t, u.IsActive())
	assert.Nil(t, u.StripeCustomerRef)
}

func TestCreateUserRejectsInvalidEmail(t *testing.T) {
	_, err := CreateUser("Jane Doe", "not-an-email")
	assert.Error(t, err)
}

func TestLinkStripeCustomer(t *testing.T) {
	u, err := CreateUser("Jane Doe", "jane@example.com")
	require.NoError(t, err)

	require.NoError(t, u.LinkStripeCustomer("cus_123"))
	require.NotNil(t, u.StripeCustomerRef)
	assert.Equal(t, "cus_123", *u.StripeCustomerRef)

	assert.Error(t, u.LinkStripeCustomer("acct_123"))
}

func TestModelPredicates(t *testing.T) {
	sub := &Subscription{Status: SubscriptionStatusTrialing}
	assert.True(t, sub.IsSettled())
	sub.Status = SubscriptionStatusPastDue
	assert.False(t, sub.IsSettled())

	inv := &Invoice{}
	assert.True(t, inv.IsPlaceholder())
	id := uint(3)
	inv.PaymentID = &id
	assert.False(t, inv.IsPlaceholder())

	entry := &WebhookEventLog{Status: WebhookStatusProcessing}
	assert.False(t, entry.IsTerminal())
	entry.Status = WebhookStatusIgnored
	assert.True(t, entry.IsTerminal())
}
