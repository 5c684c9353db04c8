package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
)

// StatusDuplicate is reported to observers for redeliveries that were no-ops.
const StatusDuplicate = "duplicate"

var validate = validator.New()

// Observer is notified once per handled delivery.
type Observer interface {
	ObserveEvent(eventType, status string, elapsed time.Duration)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithObserver registers an observer for processed events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// Engine runs open -> classify -> resolve -> reconcile -> finalize for every
// event. Reconciliation failures end as error entries in the event log and are
// not returned to the caller.
type Engine struct {
	cfg           Config
	events        *EventLog
	router        *Router
	subscriptions *SubscriptionReconciler
	observers     []Observer
}

// NewEngine wires the reconcilers on top of repo.
func NewEngine(repo Repository, users UserDirectory, provider Provider, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	resolver := NewEntityResolver(users)
	invoices := NewInvoiceReconciler(repo, resolver, provider, cfg)
	payments := NewPaymentReconciler(repo, resolver, invoices)
	subscriptions := NewSubscriptionReconciler(repo, resolver, invoices, cfg.Now)

	e := &Engine{
		cfg:           cfg,
		events:        NewEventLog(repo, cfg.Now),
		router:        NewRouter(payments, subscriptions),
		subscriptions: subscriptions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective settings, defaults filled in.
func (e *Engine) Config() Config {
	return e.cfg
}

// EventLog exposes the log for status queries and maintenance.
func (e *Engine) EventLog() *EventLog {
	return e.events
}

// Process handles one delivery. A redelivery of a finished event returns the
// stored entry without touching anything. The returned error is only set when
// the event could not be recorded or finalized.
func (e *Engine) Process(ctx context.Context, ev Event) (*models.WebhookEventLog, error) {
	if err := validate.Struct(ev); err != nil {
		return nil, errInvalidPayload(err)
	}
	start := time.Now()

	domain := Classify(ev.Type, ev.Payload)
	entry, err := e.events.Open(ctx, ev.ID, ev.Type, ev.Payload, domain)
	if IsDuplicateEvent(err) {
		log.Debugf("[Billing Engine] Event %s already %s, skipping", ev.ID, entry.Status)
		e.observe(ev.Type, StatusDuplicate, time.Since(start))
		return entry, nil
	}
	if err != nil {
		return nil, err
	}

	outcome, err := e.dispatch(ctx, entry)
	if err := e.finalize(ctx, entry, outcome, err, false); err != nil {
		return entry, err
	}
	e.observe(entry.EventType, entry.Status, time.Since(start))
	return entry, nil
}

func (e *Engine) dispatch(ctx context.Context, entry *models.WebhookEventLog) (Outcome, error) {
	return e.reconcileSafely(ctx, e.router.For(Domain(entry.ProcessorDomain)), entry)
}

// reconcileSafely runs r for an open entry. A panicking reconciler is turned
// into an ordinary error so the entry still gets finalized.
func (e *Engine) reconcileSafely(ctx context.Context, r Reconciler, entry *models.WebhookEventLog) (outcome Outcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("[Billing Engine] Reconciler panic for event %s: %v", entry.EventID, rec)
			err = fmt.Errorf("reconciler panic: %v", rec)
		}
	}()

	p, err := parsePayload(entry.Payload)
	if err != nil {
		return Outcome{}, errInvalidPayload(err)
	}
	return r.Reconcile(ctx, entry.EventType, p)
}

// finalize writes the terminal state. It detaches from ctx so a client that
// hangs up does not leave the entry in processing.
func (e *Engine) finalize(ctx context.Context, entry *models.WebhookEventLog, outcome Outcome, reconcileErr error, retry bool) error {
	ctx = context.WithoutCancel(ctx)

	switch {
	case reconcileErr != nil:
		log.Warnf("[Billing Engine] Event %s (%s) failed: %v", entry.EventID, entry.EventType, reconcileErr)
		return e.events.MarkError(ctx, entry, reconcileErr.Error(), errorDetails(reconcileErr))
	case outcome.Kind == OutcomeIgnored:
		reason := outcome.Reason
		if retry {
			reason = "not processed on retry"
		}
		log.Debugf("[Billing Engine] Event %s (%s) ignored: %s", entry.EventID, entry.EventType, outcome.Reason)
		return e.events.MarkIgnored(ctx, entry, reason)
	default:
		log.Infof("[Billing Engine] Event %s (%s) applied to %s", entry.EventID, entry.EventType, outcome.Aggregate)
		return e.events.MarkSuccess(ctx, entry, outcome.Aggregate)
	}
}

func (e *Engine) observe(eventType, status string, elapsed time.Duration) {
	for _, o := range e.observers {
		o.ObserveEvent(eventType, status, elapsed)
	}
}
