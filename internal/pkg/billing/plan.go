package billing

import (
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
)

var providerStatusMap = map[string]string{
	"active":             models.SubscriptionStatusActive,
	"canceled":           models.SubscriptionStatusCanceled,
	"incomplete":         models.SubscriptionStatusIncomplete,
	"incomplete_expired": models.SubscriptionStatusCanceled,
	"past_due":           models.SubscriptionStatusPastDue,
	"trialing":           models.SubscriptionStatusTrialing,
	"unpaid":             models.SubscriptionStatusUnpaid,
}

// mapProviderStatus translates a provider subscription status into the local
// state machine. Unknown states fall back to pending.
func mapProviderStatus(status string) string {
	if local, ok := providerStatusMap[strings.ToLower(strings.TrimSpace(status))]; ok {
		return local
	}
	return models.SubscriptionStatusPending
}

func normalizeInterval(interval string) string {
	i := strings.ToLower(strings.TrimSpace(interval))
	switch i {
	case models.BillingIntervalMonth, models.BillingIntervalYear:
		return i
	default:
		return models.BillingIntervalMonth
	}
}

// addInterval advances t by one billing interval. Month steps clamp to the last
// day of the target month, so Jan 31 becomes Feb 28 and not Mar 3.
func addInterval(t time.Time, interval string) time.Time {
	months := 1
	if normalizeInterval(interval) == models.BillingIntervalYear {
		months = 12
	}

	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// laterOf returns the later of current and candidate, never moving backwards.
func laterOf(current, candidate *time.Time) *time.Time {
	if candidate == nil {
		return current
	}
	if current == nil || candidate.After(*current) {
		c := *candidate
		return &c
	}
	return current
}
