package controllers

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/archive"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/billing"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/middleware"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/stripegw"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
)

const (
	statusPending = "pending"
	maxStatsDays  = 90
)

var envelopeValidator = validator.New()

// DailyStatsFunc loads flushed per-day outcome totals.
type DailyStatsFunc func(ctx context.Context, since time.Time) ([]models.WebhookEventStat, error)

// WebhookConfig carries the HTTP edge settings.
type WebhookConfig struct {
	// WebhookSecret enables Stripe-Signature verification when set.
	WebhookSecret string
	// ForwardKey admits unsigned {id, type, payload} envelopes from an
	// authenticated forwarder. Without it and without WebhookSecret intake is
	// refused.
	ForwardKey     string
	CancelURL      string
	ProcessTimeout time.Duration
}

// WebhookController serves webhook intake and the status queries around it.
type WebhookController struct {
	engine  *billing.Engine
	archive archive.Archiver
	daily   DailyStatsFunc
	cfg     WebhookConfig
}

// NewWebhookController builds the controller. archiver and daily may be nil.
func NewWebhookController(engine *billing.Engine, archiver archive.Archiver, daily DailyStatsFunc, cfg WebhookConfig) *WebhookController {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	return &WebhookController{engine: engine, archive: archiver, daily: daily, cfg: cfg}
}

// webhookEnvelope accepts both a raw Stripe event and the pre-verified
// {id, type, payload} form used by forwarders.
type webhookEnvelope struct {
	ID      string          `json:"id" validate:"required,max=191"`
	Type    string          `json:"type" validate:"required,max=100"`
	Payload json.RawMessage `json:"payload"`
	Data    *struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (e webhookEnvelope) event() (billing.Event, bool) {
	payload := e.Payload
	if len(payload) == 0 && e.Data != nil {
		payload = e.Data.Object
	}
	if len(payload) == 0 || string(payload) == "null" {
		return billing.Event{}, false
	}
	return billing.Event{ID: e.ID, Type: e.Type, Payload: payload}, true
}

// HandleStripeWebhook records and reconciles one delivery. Deliveries are either
// signed by Stripe or carry the forwarder key. Accepted events are always
// answered 200; the outcome lives in the event log.
func (w *WebhookController) HandleStripeWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	ev, err := w.decode(c, rawBody)
	if err != nil {
		return err
	}

	if w.archive != nil {
		go w.archivePayload(ev.ID, ev.Type, rawBody)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), w.cfg.ProcessTimeout)
	defer cancel()

	if _, err := w.engine.Process(ctx, ev); err != nil {
		if billing.HasTextCode(err, billing.TextCodeInvalidPayload) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
		}
		// not recorded: let the provider redeliver
		log.Errorf("[Webhook] Could not record event %s: %v", ev.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "received"})
}

func (w *WebhookController) decode(c *fiber.Ctx, rawBody []byte) (billing.Event, error) {
	if w.cfg.WebhookSecret != "" {
		ev, err := stripegw.ParseEvent(rawBody, c.Get("Stripe-Signature"), w.cfg.WebhookSecret)
		if err != nil {
			log.Warnf("[Webhook] Rejected delivery: %v", err)
			return billing.Event{}, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		}
		return ev, nil
	}

	if w.cfg.ForwardKey == "" {
		log.Error("[Webhook] Refusing delivery: neither STRIPE_WEBHOOK_SECRET nor WEBHOOK_FORWARD_KEY is set")
		return billing.Event{}, c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "intake_not_configured"})
	}
	if !middleware.HasAPIKey(c, w.cfg.ForwardKey) {
		return billing.Event{}, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return billing.Event{}, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := envelopeValidator.Struct(envelope); err != nil {
		return billing.Event{}, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "id and type are required"})
	}
	ev, ok := envelope.event()
	if !ok {
		return billing.Event{}, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "payload or data.object is required"})
	}
	return ev, nil
}

func (w *WebhookController) archivePayload(eventID, eventType string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.archive.Store(ctx, eventID, eventType, body); err != nil {
		log.Warnf("[Webhook] Archive of %s failed: %v", eventID, err)
	}
}

// HandleWebhookStatus reports how the newest event about a checkout session
// ended, for the page the customer returns to.
func (w *WebhookController) HandleWebhookStatus(c *fiber.Ctx) error {
	sessionID := strings.TrimSpace(c.Query("session_id"))
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "session_id is required"})
	}

	entry, err := w.engine.EventLog().LatestByObjectRef(c.UserContext(), sessionID)
	if err != nil {
		log.Errorf("[Webhook] Status lookup for %s failed: %v", sessionID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_lookup_failed"})
	}
	if entry == nil {
		return c.JSON(fiber.Map{"status": statusPending})
	}

	resp := fiber.Map{
		"status":     entry.Status,
		"event_type": entry.EventType,
		"updated_at": formatTimePtr(&entry.UpdatedAt),
	}
	if entry.Status == models.WebhookStatusError {
		if len(entry.ErrorDetails) > 0 {
			resp["error_details"] = json.RawMessage(entry.ErrorDetails)
		}
		if entry.ErrorMessage != nil {
			resp["error"] = *entry.ErrorMessage
		}
		resp["redirect_url"] = w.cfg.CancelURL
	}
	return c.JSON(resp)
}

// HandleWebhookStats returns counts by status and, when available, the
// flushed daily totals of the last ?days= days.
func (w *WebhookController) HandleWebhookStats(c *fiber.Ctx) error {
	counts, err := w.engine.EventLog().Stats(c.UserContext())
	if err != nil {
		log.Errorf("[Webhook] Stats query failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_failed"})
	}
	resp := fiber.Map{"counts": counts}

	if w.daily != nil {
		days, err := strconv.Atoi(c.Query("days", "7"))
		if err != nil || days < 1 || days > maxStatsDays {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "days must be between 1 and 90"})
		}
		since := time.Now().UTC().AddDate(0, 0, -(days - 1))
		daily, err := w.daily(c.UserContext(), since)
		if err != nil {
			log.Errorf("[Webhook] Daily stats query failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_failed"})
		}
		resp["daily"] = daily
	}
	return c.JSON(resp)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
