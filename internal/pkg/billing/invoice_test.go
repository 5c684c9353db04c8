package billing

import (
	"context"
	"testing"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoiceStatusForEvent(t *testing.T) {
	tests := []struct {
		eventType     string
		payloadStatus string
		want          string
	}{
		{"invoice.created", "", models.InvoiceStatusDraft},
		{"invoice.finalized", "", models.InvoiceStatusOpen},
		{eventInvoicePaid, "open", models.InvoiceStatusPaid},
		{eventInvoicePaymentSucceeded, "", models.InvoiceStatusPaid},
		{eventInvoicePaymentFailed, "open", models.InvoiceStatusPastDue},
		{"invoice.voided", "", models.InvoiceStatusVoid},
		{"invoice.marked_uncollectible", "", models.InvoiceStatusUncollectible},
		{"invoice.updated", "uncollectible", models.InvoiceStatusUncollectible},
		{"invoice.updated", "weird", models.InvoiceStatusOpen},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+tt.payloadStatus, func(t *testing.T) {
			assert.Equal(t, tt.want, invoiceStatusForEvent(tt.eventType, tt.payloadStatus))
		})
	}
}

func TestPaidInvoiceIsNeverDowngraded(t *testing.T) {
	h := newHarness(t)
	h.user(t, "cus_1")
	object := map[string]any{"id": "in_1", "object": "invoice", "customer": "cus_1", "total": 500, "currency": "usd"}

	h.process(t, "evt_created", "invoice.created", object)
	invoices := h.invoices(t)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusDraft, invoices[0].Status)

	h.process(t, "evt_paid", eventInvoicePaid, object)
	h.process(t, "evt_voided", "invoice.voided", object)
	h.process(t, "evt_failed", eventInvoicePaymentFailed, object)

	invoices = h.invoices(t)
	require.Len(t, invoices, 1)
	assert.Equal(t, models.InvoiceStatusPaid, invoices[0].Status)
	assert.NotNil(t, invoices[0].PaidAt)
}

func TestInvoiceEventWithoutCustomerIsIgnored(t *testing.T) {
	h := newHarness(t)

	entry := h.process(t, "evt_1", "invoice.finalized", map[string]any{"id": "in_1", "object": "invoice"})

	assert.Equal(t, models.WebhookStatusIgnored, entry.Status)
	assert.Empty(t, h.invoices(t))
}

func TestCreateOrLinkRefusesInvoiceOfAnotherPayment(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	first := h.payment(t, user.ID, "", "pi_1")
	second := h.payment(t, user.ID, "", "pi_2")
	require.NoError(t, h.db.Create(&models.Invoice{
		PaymentID: &first.ID, ProviderInvoiceRef: strPtr("in_1"), Amount: 1999, Currency: "eur", Status: models.InvoiceStatusPaid,
	}).Error)

	invoices := NewInvoiceReconciler(h.repo, NewEntityResolver(dbUsers{db: h.db}), h.provider, Config{Now: h.clock.Now})
	_, err := invoices.CreateOrLink(context.Background(), paymentOwner(second, "cus_1"), "in_1")

	require.Error(t, err)
	assert.True(t, HasTextCode(err, TextCodeDataInconsistency))
}

func TestCreateOrLinkForUnsettledPaymentStaysLocal(t *testing.T) {
	h := newHarness(t)
	user := h.user(t, "cus_1")
	payment := h.payment(t, user.ID, "", "pi_1")

	invoices := NewInvoiceReconciler(h.repo, NewEntityResolver(dbUsers{db: h.db}), h.provider, Config{Now: h.clock.Now})
	inv, err := invoices.CreateOrLink(context.Background(), paymentOwner(payment, "cus_1"), "")
	require.NoError(t, err)

	assert.Equal(t, models.InvoiceStatusOpen, inv.Status)
	assert.Nil(t, inv.ProviderInvoiceRef)
	assert.Nil(t, inv.PaidAt)
	assert.Zero(t, h.provider.createdCount())

	again, err := invoices.CreateOrLink(context.Background(), paymentOwner(payment, "cus_1"), "")
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID)
}
