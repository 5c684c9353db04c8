package billing

import (
	"context"
	"sync"
	"testing"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentIntentSucceededIsIdempotent(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")
	object := map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1", "status": "succeeded"}

	first := h.process(t, "evt_1", eventPaymentIntentSucceeded, object)
	second := h.process(t, "evt_1", eventPaymentIntentSucceeded, object)

	assert.Equal(t, models.WebhookStatusSuccess, first.Status)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.WebhookStatusSuccess, second.Status)
	assert.Len(t, h.eventLogs(t), 1)

	assert.Equal(t, models.PaymentStatusSucceeded, h.reloadPayment(t, payment.ID).Status)
	invoices := h.invoices(t)
	require.Len(t, invoices, 1)
	assert.Equal(t, payment.ID, *invoices[0].PaymentID)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, "in_gen_1", *invoices[0].ProviderInvoiceRef)
	assert.Equal(t, 1, h.provider.createdCount())
	assert.Equal(t, "invoice-payment-1", h.provider.created[0].IdempotencyKey)
}

func TestCheckoutBackfillsIntentAndCreatesOneInvoice(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "cs_1", "")

	checkout := h.process(t, "evt_checkout", eventCheckoutCompleted, map[string]any{
		"id": "cs_1", "object": "checkout.session", "mode": "payment",
		"payment_status": "paid", "payment_intent": "pi_1", "customer": "cus_1",
	})
	intent := h.process(t, "evt_intent", eventPaymentIntentSucceeded, map[string]any{
		"id": "pi_1", "object": "payment_intent", "customer": "cus_1",
	})

	assert.Equal(t, models.WebhookStatusSuccess, checkout.Status)
	assert.Equal(t, models.WebhookStatusSuccess, intent.Status)
	require.NotNil(t, intent.RelatedAggregate)
	assert.Equal(t, "payment:1", *intent.RelatedAggregate)

	stored := h.reloadPayment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusSucceeded, stored.Status)
	require.NotNil(t, stored.PaymentIntentRef)
	assert.Equal(t, "pi_1", *stored.PaymentIntentRef)
	assert.Equal(t, int64(1999), stored.Amount)

	assert.Len(t, h.invoices(t), 1)
	assert.Equal(t, 1, h.provider.createdCount())
}

func TestCheckoutUnpaidKeepsPaymentPending(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "cs_1", "")

	entry := h.process(t, "evt_1", eventCheckoutCompleted, map[string]any{
		"id": "cs_1", "mode": "payment", "payment_status": "unpaid", "payment_intent": "pi_1",
	})

	assert.Equal(t, models.WebhookStatusSuccess, entry.Status)
	stored := h.reloadPayment(t, payment.ID)
	assert.Equal(t, models.PaymentStatusPending, stored.Status)
	assert.Equal(t, "pi_1", *stored.PaymentIntentRef)
	assert.Empty(t, h.invoices(t))
}

func TestPaymentFailureTransitions(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")
	intent := map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"}

	h.process(t, "evt_fail", eventPaymentIntentFailed, intent)
	assert.Equal(t, models.PaymentStatusFailed, h.reloadPayment(t, payment.ID).Status)

	h.process(t, "evt_ok", eventPaymentIntentSucceeded, intent)
	assert.Equal(t, models.PaymentStatusSucceeded, h.reloadPayment(t, payment.ID).Status)

	late := h.process(t, "evt_fail_late", eventPaymentIntentFailed, intent)
	assert.Equal(t, models.WebhookStatusSuccess, late.Status)
	assert.Equal(t, models.PaymentStatusSucceeded, h.reloadPayment(t, payment.ID).Status)
}

func TestUnknownPaymentIsIgnoredWithReason(t *testing.T) {
	h := newHarness(t)

	entry := h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_missing", "object": "payment_intent"})

	assert.Equal(t, models.WebhookStatusIgnored, entry.Status)
	require.NotNil(t, entry.ErrorMessage)
	assert.Contains(t, *entry.ErrorMessage, "pi_missing")
}

func TestChargeEventsHaveNoTransition(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")

	entry := h.process(t, "evt_1", "charge.succeeded", map[string]any{"id": "ch_1", "object": "charge", "payment_intent": "pi_1"})

	assert.Equal(t, models.WebhookStatusIgnored, entry.Status)
	assert.Equal(t, models.PaymentStatusPending, h.reloadPayment(t, payment.ID).Status)
}

func TestInvoiceBeforePaymentIsLinkedLater(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "cs_1", "")

	early := h.process(t, "evt_invoice", eventInvoicePaid, map[string]any{
		"id": "in_1", "object": "invoice", "customer": "cus_1", "payment_intent": "pi_1",
		"total": 1999, "currency": "EUR", "status": "paid", "number": "A-1",
	})
	assert.Equal(t, models.WebhookStatusSuccess, early.Status)
	placeholders := h.invoices(t)
	require.Len(t, placeholders, 1)
	assert.True(t, placeholders[0].IsPlaceholder())
	assert.Equal(t, user.ID, *placeholders[0].UserID)
	assert.Equal(t, "eur", placeholders[0].Currency)

	h.process(t, "evt_checkout", eventCheckoutCompleted, map[string]any{
		"id": "cs_1", "mode": "payment", "payment_status": "paid",
		"payment_intent": "pi_1", "invoice": "in_1", "customer": "cus_1",
	})

	invoices := h.invoices(t)
	require.Len(t, invoices, 1)
	require.NotNil(t, invoices[0].PaymentID)
	assert.Equal(t, payment.ID, *invoices[0].PaymentID)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, "A-1", invoices[0].InvoiceNumber)
	assert.Zero(t, h.provider.createdCount())
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")
	ev := newEvent("evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Process(context.Background(), ev)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	entries := h.eventLogs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.WebhookStatusSuccess, entries[0].Status)
	assert.Equal(t, models.PaymentStatusSucceeded, h.reloadPayment(t, payment.ID).Status)
	assert.Len(t, h.invoices(t), 1)
	assert.Equal(t, 1, h.provider.createdCount())
}

func TestInvoiceAmountMismatchBlocksInvoice(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")
	h.provider.invoices["in_9"] = &ProviderInvoice{Ref: "in_9", Total: 2500, Currency: "eur"}

	entry := h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{
		"id": "pi_1", "object": "payment_intent", "customer": "cus_1", "invoice": "in_9",
	})

	assert.Equal(t, models.WebhookStatusError, entry.Status)
	assert.Contains(t, string(entry.ErrorDetails), TextCodeDataInconsistency)
	assert.Equal(t, models.PaymentStatusSucceeded, h.reloadPayment(t, payment.ID).Status)
	assert.Empty(t, h.invoices(t))
}

func TestMissingCustomerIsCreatedForInvoice(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "")
	h.payment(t, user.ID, "", "pi_1")

	h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent"})

	var stored models.User
	require.NoError(t, h.db.First(&stored, user.ID).Error)
	require.NotNil(t, stored.StripeCustomerRef)
	assert.Equal(t, "cus_gen_1", *stored.StripeCustomerRef)
	require.Equal(t, 1, h.provider.createdCount())
	assert.Equal(t, "cus_gen_1", h.provider.created[0].CustomerRef)
}

func TestProviderOutageRecordsError(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	h.payment(t, user.ID, "", "pi_1")
	h.provider.createErr = assert.AnError

	entry := h.process(t, "evt_1", eventPaymentIntentSucceeded, map[string]any{"id": "pi_1", "object": "payment_intent", "customer": "cus_1"})

	assert.Equal(t, models.WebhookStatusError, entry.Status)
	assert.Contains(t, string(entry.ErrorDetails), TextCodeProviderUnavailable)
	assert.Empty(t, h.invoices(t))
}
