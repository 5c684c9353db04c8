package stripegw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return New("sk_test_123", stripe.WithBackends(backends))
}

func TestRetrieveCheckoutSession(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid","subscription":"sub_1"}`))
	})

	session, err := g.RetrieveCheckoutSession(context.Background(), "cs_1")
	require.NoError(t, err)

	assert.Equal(t, "cs_1", session.Ref)
	assert.Equal(t, "complete", session.Status)
	assert.Equal(t, "paid", session.PaymentStatus)
	assert.Equal(t, "sub_1", session.SubscriptionRef)
}

func TestRetrieveInvoiceError(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such invoice"}}`))
	})

	_, err := g.RetrieveInvoice(context.Background(), "in_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in_missing")
}

func TestParseEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","api_version":"2020-08-27","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	ev, err := ParseEvent(signed.Payload, signed.Header, "whsec_test")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, "payment_intent.succeeded", ev.Type)
	assert.True(t, strings.Contains(string(ev.Payload), `"pi_1"`))

	_, err = ParseEvent(signed.Payload, signed.Header, "whsec_other")
	assert.Error(t, err)
}

func TestCreatePaidInvoiceRequiresAmount(t *testing.T) {
	g := New("sk_test_123")

	_, err := g.CreatePaidInvoice(context.Background(), billing.InvoiceRequest{CustomerRef: "cus_1", Currency: "eur"})
	assert.Error(t, err)
}

func TestCreatePaidInvoiceNamesInvoiceWhenPayFails(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/invoices":
			_, _ = w.Write([]byte(`{"id":"in_new","object":"invoice","status":"draft"}`))
		case "/v1/invoiceitems":
			_, _ = w.Write([]byte(`{"id":"ii_1","object":"invoiceitem"}`))
		case "/v1/invoices/in_new/finalize":
			_, _ = w.Write([]byte(`{"id":"in_new","object":"invoice","status":"open"}`))
		default:
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invoice is not payable"}}`))
		}
	})

	_, err := g.CreatePaidInvoice(context.Background(), billing.InvoiceRequest{
		CustomerRef: "cus_1", Amount: 999, Currency: "eur", IdempotencyKey: "payment-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark invoice in_new paid")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/v1/invoices", "/v1/invoiceitems", "/v1/invoices/in_new/finalize", "/v1/invoices/in_new/pay"}, paths)
}
