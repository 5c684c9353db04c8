package billing

import (
	"context"
	"testing"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySynthesizesMissingSubscription(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	object := subscriptionObject("sub_new", "active", date(2024, 4, 10))

	failed := h.process(t, "evt_created", eventSubscriptionCreated, object)
	require.Equal(t, models.WebhookStatusError, failed.Status)

	n, err := NewRetryCoordinator(h.engine, 0).RetryErrors(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var sub models.Subscription
	require.NoError(t, h.db.Where("provider_subscription_ref = ?", "sub_new").First(&sub).Error)
	assert.Equal(t, user.ID, sub.UserID)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(999), sub.Amount)
	assert.True(t, sub.AutoRenew)

	entries := h.eventLogs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.WebhookStatusSuccess, entries[0].Status)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Nil(t, entries[0].ErrorMessage)
}

func TestRetryWithoutUserFailsAgain(t *testing.T) {
	h := newHarness(t)
	h.process(t, "evt_created", eventSubscriptionCreated, subscriptionObject("sub_new", "active", date(2024, 4, 10)))
	retry := NewRetryCoordinator(h.engine, 0)

	for attempt := 1; attempt <= 2; attempt++ {
		n, err := retry.RetryErrors(context.Background(), 10)
		require.NoError(t, err)
		assert.Zero(t, n)

		entries := h.eventLogs(t)
		require.Len(t, entries, 1)
		assert.Equal(t, models.WebhookStatusError, entries[0].Status)
		assert.Equal(t, attempt, entries[0].RetryCount)
		assert.Contains(t, string(entries[0].ErrorDetails), TextCodeUserUnresolved)
	}
}

func TestRetryMarksIgnoredOutcome(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	h.payment(t, user.ID, "", "pi_1")
	h.provider.createErr = assert.AnError

	failed := h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"})
	require.Equal(t, models.WebhookStatusError, failed.Status)

	// the payment vanished in the meantime
	require.NoError(t, h.db.Exec("DELETE FROM payments").Error)

	n, err := NewRetryCoordinator(h.engine, 0).RetryErrors(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := h.repo.GetEventLog(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusIgnored, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "not processed on retry", *stored.ErrorMessage)
}

func TestRetryRespectsLimitAndRecoversOutage(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	h.payment(t, user.ID, "", "pi_1")
	h.payment(t, user.ID, "", "pi_2")
	h.provider.createErr = assert.AnError

	h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"})
	h.clock.Advance(time.Second)
	h.process(t, "evt_2", eventPaymentIntentSucceeded, map[string]any{"id": "pi_2", "object": "payment_intent", "customer": "cus_1"})

	h.provider.mu.Lock()
	h.provider.createErr = nil
	h.provider.mu.Unlock()

	retry := NewRetryCoordinator(h.engine, 0)
	n, err := retry.RetryErrors(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.invoices(t), 1)

	n, err = retry.RetryErrors(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.invoices(t), 2)

	n, err = retry.RetryErrors(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedeliveryReopensErrorEntry(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	h.payment(t, user.ID, "", "pi_1")
	h.provider.createErr = assert.AnError
	object := map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"}

	require.Equal(t, models.WebhookStatusError, h.process(t, "evt_1", eventPaymentIntentSucceeded, object).Status)

	h.provider.mu.Lock()
	h.provider.createErr = nil
	h.provider.mu.Unlock()

	redelivered := h.process(t, "evt_1", eventPaymentIntentSucceeded, object)
	assert.Equal(t, models.WebhookStatusSuccess, redelivered.Status)
	assert.Equal(t, 1, redelivered.RetryCount)
	assert.Len(t, h.invoices(t), 1)
}

func TestRetryCeilingLetsNewerEntriesThrough(t *testing.T) {
	h := newHarness(t)
	// no user owns cus_1, so these fail on every attempt
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		entry := h.process(t, "evt_"+id, eventSubscriptionCreated, subscriptionObject(id, "active", date(2024, 4, 10)))
		require.Equal(t, models.WebhookStatusError, entry.Status)
		h.clock.Advance(time.Second)
	}

	user := h.user(t, "cus_pay")
	h.payment(t, user.ID, "", "pi_1")
	h.provider.createErr = assert.AnError
	recoverable := h.process(t, "evt_pay", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_pay"})
	require.Equal(t, models.WebhookStatusError, recoverable.Status)
	h.provider.mu.Lock()
	h.provider.createErr = nil
	h.provider.mu.Unlock()

	retry := NewRetryCoordinator(h.engine, 2)
	for pass := 0; pass < 2; pass++ {
		n, err := retry.RetryErrors(context.Background(), 3)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	n, err := retry.RetryErrors(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.invoices(t), 1)

	for _, entry := range h.eventLogs(t) {
		if entry.EventID == "evt_pay" {
			assert.Equal(t, models.WebhookStatusSuccess, entry.Status)
			continue
		}
		assert.Equal(t, models.WebhookStatusError, entry.Status)
		assert.Equal(t, 2, entry.RetryCount)
	}

	n, err = retry.RetryErrors(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	for _, entry := range h.eventLogs(t) {
		if entry.EventID != "evt_pay" {
			assert.Equal(t, 2, entry.RetryCount)
		}
	}
}
