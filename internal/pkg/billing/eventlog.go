package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"gorm.io/datatypes"
)

const stuckProcessingMessage = "processing interrupted before completion"

// EventLog is the idempotency boundary. Every mutation is persisted before the
// method returns.
type EventLog struct {
	repo Repository
	now  func() time.Time
}

// NewEventLog creates an event log on top of the billing repository.
func NewEventLog(repo Repository, now func() time.Time) *EventLog {
	if now == nil {
		now = time.Now
	}
	return &EventLog{repo: repo, now: now}
}

// Open records the first sight of an event and returns it in processing state.
// An error entry is reopened for another attempt. Any other existing entry is
// returned together with a duplicate event error.
func (l *EventLog) Open(ctx context.Context, eventID, eventType string, payload []byte, domain Domain) (*models.WebhookEventLog, error) {
	eventID = strings.TrimSpace(eventID)
	eventType = strings.TrimSpace(eventType)
	if eventID == "" || eventType == "" {
		return nil, errors.New("event id and event type are required")
	}
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("{}")
	}

	now := l.now()
	entry := &models.WebhookEventLog{
		EventID:         eventID,
		EventType:       eventType,
		ObjectRef:       objectRefOf(payload),
		Payload:         datatypes.JSON(payload),
		Status:          models.WebhookStatusProcessing,
		ProcessorDomain: domain.String(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	created, stored, err := l.repo.CreateEventLogIfNotExists(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("record webhook event %s: %w", eventID, err)
	}
	if created {
		return stored, nil
	}

	if stored.Status == models.WebhookStatusError {
		reopened, err := l.Reopen(ctx, stored)
		if err != nil {
			return nil, err
		}
		if reopened {
			return stored, nil
		}
		// lost the race against another reopener
		if latest, err := l.repo.GetEventLog(ctx, stored.ID); err == nil {
			stored = latest
		}
	}
	return stored, errDuplicateEvent(eventID, stored.Status)
}

// Reopen moves an error entry back to processing and counts the attempt. It
// reports false when the entry was not in error state anymore.
func (l *EventLog) Reopen(ctx context.Context, entry *models.WebhookEventLog) (bool, error) {
	now := l.now()
	ok, err := l.repo.ReopenEventLog(ctx, entry.ID, now)
	if err != nil {
		return false, fmt.Errorf("reopen webhook event %s: %w", entry.EventID, err)
	}
	if ok {
		entry.Status = models.WebhookStatusProcessing
		entry.RetryCount++
		entry.ErrorMessage = nil
		entry.ErrorDetails = nil
		entry.ProcessedAt = nil
		entry.UpdatedAt = now
	}
	return ok, nil
}

// MarkSuccess finalizes the entry and records the aggregate it touched.
func (l *EventLog) MarkSuccess(ctx context.Context, entry *models.WebhookEventLog, relatedAggregate string) error {
	updates := map[string]interface{}{}
	if relatedAggregate != "" {
		updates["related_aggregate"] = relatedAggregate
	}
	if err := l.finish(ctx, entry, models.WebhookStatusSuccess, updates); err != nil {
		return err
	}
	if relatedAggregate != "" {
		entry.RelatedAggregate = &relatedAggregate
	}
	return nil
}

// MarkError finalizes the entry as failed. It stays eligible for retry.
func (l *EventLog) MarkError(ctx context.Context, entry *models.WebhookEventLog, message string, details map[string]any) error {
	updates := map[string]interface{}{"error_message": message}
	var raw datatypes.JSON
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err == nil {
			raw = datatypes.JSON(b)
			updates["error_details"] = raw
		}
	}
	if err := l.finish(ctx, entry, models.WebhookStatusError, updates); err != nil {
		return err
	}
	entry.ErrorMessage = &message
	entry.ErrorDetails = raw
	return nil
}

// MarkIgnored finalizes the entry without any effect on local state.
func (l *EventLog) MarkIgnored(ctx context.Context, entry *models.WebhookEventLog, reason string) error {
	updates := map[string]interface{}{}
	if reason != "" {
		updates["error_message"] = reason
	}
	if err := l.finish(ctx, entry, models.WebhookStatusIgnored, updates); err != nil {
		return err
	}
	if reason != "" {
		entry.ErrorMessage = &reason
	}
	return nil
}

func (l *EventLog) finish(ctx context.Context, entry *models.WebhookEventLog, status string, updates map[string]interface{}) error {
	now := l.now()
	updates["status"] = status
	updates["processed_at"] = now
	updates["updated_at"] = now

	ok, err := l.repo.FinishEventLog(ctx, entry.ID, updates)
	if err != nil {
		return fmt.Errorf("finalize webhook event %s as %s: %w", entry.EventID, status, err)
	}
	if !ok {
		return fmt.Errorf("webhook event %s is no longer processing", entry.EventID)
	}
	entry.Status = status
	entry.ProcessedAt = &now
	entry.UpdatedAt = now
	return nil
}

// ListErrors returns error entries oldest first.
func (l *EventLog) ListErrors(ctx context.Context, limit int) ([]models.WebhookEventLog, error) {
	return l.repo.ListErrorEventLogs(ctx, limit, 0)
}

// ListRetryable is ListErrors without the entries that used up maxAttempts
// retries. maxAttempts <= 0 means no ceiling.
func (l *EventLog) ListRetryable(ctx context.Context, limit, maxAttempts int) ([]models.WebhookEventLog, error) {
	return l.repo.ListErrorEventLogs(ctx, limit, maxAttempts)
}

// RecoverStuck turns processing entries that have not been touched for longer
// than olderThan into error entries so the retry pass picks them up.
func (l *EventLog) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := l.now()
	n, err := l.repo.FailStuckEventLogs(ctx, now.Add(-olderThan), stuckProcessingMessage, now)
	if err != nil {
		return 0, fmt.Errorf("recover stuck webhook events: %w", err)
	}
	return int(n), nil
}

// LatestByObjectRef returns the newest entry about the given provider object.
func (l *EventLog) LatestByObjectRef(ctx context.Context, ref string) (*models.WebhookEventLog, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("object reference is required")
	}
	return l.repo.LatestEventLogByObjectRef(ctx, ref)
}

// Stats counts entries by status.
func (l *EventLog) Stats(ctx context.Context) (map[string]int64, error) {
	return l.repo.CountEventLogsByStatus(ctx)
}

func objectRefOf(payload []byte) string {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return ""
	}
	ref := strings.TrimSpace(obj.ID)
	if len(ref) > 191 {
		return ""
	}
	return ref
}
