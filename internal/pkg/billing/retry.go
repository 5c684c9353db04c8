package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// RetryCoordinator re-drives error entries through the engine. It has no
// backoff of its own; the caller decides how often it runs.
type RetryCoordinator struct {
	engine      *Engine
	maxAttempts int
}

// NewRetryCoordinator creates a coordinator for engine. Entries retried
// maxAttempts times stay in error and are no longer picked up; they still
// reopen on provider redelivery. maxAttempts <= 0 retries forever.
func NewRetryCoordinator(engine *Engine, maxAttempts int) *RetryCoordinator {
	return &RetryCoordinator{engine: engine, maxAttempts: maxAttempts}
}

// RetryErrors reprocesses up to limit error entries, oldest first, and returns
// how many ended in success. Entries reopened concurrently by someone else are
// skipped.
func (c *RetryCoordinator) RetryErrors(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	entries, err := c.engine.events.ListRetryable(ctx, limit, c.maxAttempts)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	log.Infof("[Billing Retry] Retrying %d failed events", len(entries))

	var (
		succeeded int
		errs      []error
	)
	for i := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		entry := &entries[i]
		reopened, err := c.engine.events.Reopen(ctx, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !reopened {
			continue
		}
		if err := c.retryOne(ctx, entry); err != nil {
			errs = append(errs, err)
			continue
		}
		if entry.Status == models.WebhookStatusSuccess {
			succeeded++
		}
	}

	log.Infof("[Billing Retry] %d of %d events succeeded on retry", succeeded, len(entries))
	return succeeded, errors.Join(errs...)
}

func (c *RetryCoordinator) retryOne(ctx context.Context, entry *models.WebhookEventLog) error {
	start := time.Now()
	outcome, err := c.prepare(ctx, entry)
	if err == nil {
		outcome, err = c.engine.dispatch(ctx, entry)
	}
	if ferr := c.engine.finalize(ctx, entry, outcome, err, true); ferr != nil {
		return ferr
	}
	c.engine.observe(entry.EventType, entry.Status, time.Since(start))
	return nil
}

// prepare synthesizes the local subscription for a subscription.created event
// that failed because the subscription was unknown.
func (c *RetryCoordinator) prepare(ctx context.Context, entry *models.WebhookEventLog) (Outcome, error) {
	if entry.EventType != eventSubscriptionCreated {
		return Outcome{}, nil
	}
	p, err := parsePayload(entry.Payload)
	if err != nil {
		return Outcome{}, errInvalidPayload(err)
	}
	_, err = c.engine.subscriptions.Synthesize(ctx, p)
	return Outcome{}, err
}
