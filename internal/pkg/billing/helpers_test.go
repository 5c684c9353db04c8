package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/database/dbtest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	return dbtest.Open(t)
}

// testClock is a settable clock shared by everything under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type dbUsers struct {
	db *gorm.DB
}

func (u dbUsers) GetByID(id uint) (*models.User, error) {
	var user models.User
	if err := u.db.First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (u dbUsers) GetByStripeCustomerRef(ref string) (*models.User, error) {
	var user models.User
	if err := u.db.Where("stripe_customer_ref = ?", ref).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (u dbUsers) SetStripeCustomerRef(userID uint, ref string) error {
	return u.db.Model(&models.User{}).Where("id = ?", userID).Update("stripe_customer_ref", ref).Error
}

type fakeProvider struct {
	mu         sync.Mutex
	sessions   map[string]*CheckoutSession
	sessionErr error
	invoices   map[string]*ProviderInvoice
	createErr  error
	created    []InvoiceRequest
	customers  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: map[string]*CheckoutSession{},
		invoices: map[string]*ProviderInvoice{},
	}
}

func (p *fakeProvider) RetrieveCheckoutSession(ctx context.Context, ref string) (*CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	session, ok := p.sessions[ref]
	if !ok {
		return nil, errors.New("no such checkout session")
	}
	return session, nil
}

func (p *fakeProvider) RetrieveInvoice(ctx context.Context, ref string) (*ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invoices[ref]
	if !ok {
		return nil, errors.New("no such invoice")
	}
	return inv, nil
}

func (p *fakeProvider) CreatePaidInvoice(ctx context.Context, req InvoiceRequest) (*ProviderInvoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, req)
	inv := &ProviderInvoice{
		Ref:         fmt.Sprintf("in_gen_%d", len(p.created)),
		Number:      fmt.Sprintf("LF-%04d", len(p.created)),
		HostedURL:   "https://invoice.example/" + req.IdempotencyKey,
		Total:       req.Amount,
		Currency:    req.Currency,
		Status:      "paid",
		CustomerRef: req.CustomerRef,
	}
	p.invoices[inv.Ref] = inv
	return inv, nil
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := fmt.Sprintf("cus_gen_%d", len(p.customers)+1)
	p.customers = append(p.customers, ref)
	return ref, nil
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

// harness bundles an engine with its collaborators.
type harness struct {
	db       *gorm.DB
	repo     Repository
	clock    *testClock
	provider *fakeProvider
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	clock := newTestClock()
	provider := newFakeProvider()
	repo := NewRepository(db)
	cfg := Config{ProviderTimeout: time.Second, StuckAfter: 30 * time.Minute, Now: clock.Now}
	return &harness{
		db:       db,
		repo:     repo,
		clock:    clock,
		provider: provider,
		engine:   NewEngine(repo, dbUsers{db: db}, provider, cfg),
	}
}

func (h *harness) process(t *testing.T, id, eventType string, object map[string]any) *models.WebhookEventLog {
	t.Helper()
	entry, err := h.engine.Process(context.Background(), newEvent(id, eventType, object))
	require.NoError(t, err)
	require.NotNil(t, entry)
	return entry
}

func newEvent(id, eventType string, object map[string]any) Event {
	raw, err := json.Marshal(object)
	if err != nil {
		panic(err)
	}
	return Event{ID: id, Type: eventType, Payload: raw}
}

func (h *harness) user(t *testing.T, customerRef string) *models.User {
	t.Helper()
	user := &models.User{Name: "Test User", Email: uuid.NewString() + "@example.com", Status: models.STATUS_ACTIVE}
	if customerRef != "" {
		user.StripeCustomerRef = &customerRef
	}
	require.NoError(t, h.db.Create(user).Error)
	return user
}

func (h *harness) payment(t *testing.T, userID uint, sessionRef, intentRef string) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		UserID:      userID,
		Amount:      1999,
		Currency:    "eur",
		Status:      models.PaymentStatusPending,
		PaymentType: models.PaymentTypeOneTime,
		Description: "Lifetime plan",
	}
	if sessionRef != "" {
		payment.CheckoutSessionRef = &sessionRef
	}
	if intentRef != "" {
		payment.PaymentIntentRef = &intentRef
	}
	require.NoError(t, h.db.Create(payment).Error)
	return payment
}

func (h *harness) subscription(t *testing.T, sub *models.Subscription) *models.Subscription {
	t.Helper()
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusPending
	}
	if sub.Interval == "" {
		sub.Interval = models.BillingIntervalMonth
	}
	if sub.Currency == "" {
		sub.Currency = "eur"
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = h.clock.Now()
	}
	require.NoError(t, h.db.Create(sub).Error)
	return sub
}

func (h *harness) reloadPayment(t *testing.T, id uint) *models.Payment {
	t.Helper()
	var payment models.Payment
	require.NoError(t, h.db.First(&payment, id).Error)
	return &payment
}

func (h *harness) reloadSubscription(t *testing.T, id uint) *models.Subscription {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, h.db.First(&sub, id).Error)
	return &sub
}

func (h *harness) invoices(t *testing.T) []models.Invoice {
	t.Helper()
	var invoices []models.Invoice
	require.NoError(t, h.db.Order("id ASC").Find(&invoices).Error)
	return invoices
}

func (h *harness) eventLogs(t *testing.T) []models.WebhookEventLog {
	t.Helper()
	var entries []models.WebhookEventLog
	require.NoError(t, h.db.Order("id ASC").Find(&entries).Error)
	return entries
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
