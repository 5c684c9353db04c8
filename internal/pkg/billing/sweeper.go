package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/gofiber/fiber/v2/log"
)

// StaleStateSweeper cleans up subscriptions whose checkout never completed.
type StaleStateSweeper struct {
	repo     Repository
	provider Provider
	cfg      Config
}

// NewStaleStateSweeper creates a sweeper. provider may be nil, in which case
// every stale subscription is canceled.
func NewStaleStateSweeper(repo Repository, provider Provider, cfg Config) *StaleStateSweeper {
	return &StaleStateSweeper{repo: repo, provider: provider, cfg: cfg.withDefaults()}
}

type sweepDecision struct {
	status  string
	message string
}

// SweepStalePending resolves pending subscriptions older than thresholdHours and
// returns how many were canceled. A completed checkout moves the subscription
// to incomplete instead.
func (s *StaleStateSweeper) SweepStalePending(ctx context.Context, thresholdHours int) (int, error) {
	if thresholdHours <= 0 {
		thresholdHours = 24
	}
	before := s.cfg.Now().Add(-time.Duration(thresholdHours) * time.Hour)
	stale, err := s.repo.ListPendingSubscriptionsBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("list stale pending subscriptions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	log.Infof("[Billing Sweeper] Found %d pending subscriptions older than %dh", len(stale), thresholdHours)

	var (
		canceled int
		errs     []error
	)
	for i := range stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		decision := s.decide(ctx, &stale[i])
		changed, err := s.apply(ctx, stale[i].ID, decision)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep subscription %d: %w", stale[i].ID, err))
			continue
		}
		if changed && decision.status == models.SubscriptionStatusCanceled {
			canceled++
		}
	}
	return canceled, errors.Join(errs...)
}

// decide consults the provider without holding any lock.
func (s *StaleStateSweeper) decide(ctx context.Context, sub *models.Subscription) sweepDecision {
	cancel := sweepDecision{status: models.SubscriptionStatusCanceled}
	if sub.CheckoutSessionRef == nil || *sub.CheckoutSessionRef == "" {
		return cancel
	}
	if s.provider == nil {
		cancel.message = "checkout session could not be checked: no provider configured"
		return cancel
	}

	callCtx, done := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer done()
	session, err := s.provider.RetrieveCheckoutSession(callCtx, *sub.CheckoutSessionRef)
	if err != nil {
		log.Warnf("[Billing Sweeper] Session lookup for subscription %d failed: %v", sub.ID, err)
		cancel.message = errProviderUnavailable("retrieve checkout session", err).Error()
		return cancel
	}
	if session.Status == SessionStatusComplete {
		return sweepDecision{status: models.SubscriptionStatusIncomplete}
	}
	return cancel
}

// apply re-reads the subscription under lock and skips it if something else
// moved it out of pending in the meantime.
func (s *StaleStateSweeper) apply(ctx context.Context, id uint, decision sweepDecision) (bool, error) {
	changed := false
	err := s.repo.Transaction(ctx, func(tx Repository) error {
		sub, err := tx.LockSubscriptionByID(ctx, id)
		if err != nil || sub == nil || sub.Status != models.SubscriptionStatusPending {
			return err
		}
		sub.Status = decision.status
		if decision.status == models.SubscriptionStatusCanceled {
			sub.AutoRenew = false
			if sub.CanceledAt == nil {
				now := s.cfg.Now()
				sub.CanceledAt = &now
			}
		}
		if decision.message != "" {
			msg := decision.message
			sub.LastErrorMessage = &msg
		}
		changed = true
		return tx.SaveSubscription(ctx, sub)
	})
	if err == nil && changed {
		log.Infof("[Billing Sweeper] Subscription %d moved to %s", id, decision.status)
	}
	return changed, err
}
