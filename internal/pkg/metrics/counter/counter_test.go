package counter

import (
	"context"
	"testing"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/cache/redistest"
	"github.com/ManuelReschke/LedgerFox/internal/pkg/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBucket(t *testing.T) {
	tests := []struct {
		field string
		value string
		ok    bool
	}{
		{"2024-03-10|invoice.paid|success", "3", true},
		{"2024-03-10|invoice.paid", "3", false},
		{"2024-03-10||success", "3", false},
		{"2024-03-10|invoice.paid|success", "x", false},
		{"2024-03-10|invoice.paid|success", "0", false},
	}
	for _, tt := range tests {
		t.Run(tt.field+"="+tt.value, func(t *testing.T) {
			b, ok := parseBucket(tt.field, tt.value)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, "invoice.paid", b.eventType)
				assert.EqualValues(t, 3, b.inc)
			}
		})
	}
}

func TestApplyAccumulatesTotals(t *testing.T) {
	db := dbtest.Open(t)
	c := &Counter{db: db, now: func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }}
	ctx := context.Background()

	require.NoError(t, c.apply(ctx, []bucket{
		{day: "2024-03-10", eventType: "invoice.paid", status: "success", inc: 2},
		{day: "2024-03-10", eventType: "invoice.paid", status: "error", inc: 1},
	}))
	require.NoError(t, c.apply(ctx, []bucket{
		{day: "2024-03-10", eventType: "invoice.paid", status: "success", inc: 5},
	}))

	stats, err := Daily(ctx, db, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "error", stats[0].Status)
	assert.EqualValues(t, 1, stats[0].Total)
	assert.Equal(t, "success", stats[1].Status)
	assert.EqualValues(t, 7, stats[1].Total)
}

func TestObserveAndFlush(t *testing.T) {
	rdb := redistest.Client(t, 12)
	db := dbtest.Open(t)
	c := New(rdb, db)
	c.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	n, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.ObserveEvent("customer.subscription.updated", "success", time.Millisecond)
	c.ObserveEvent("customer.subscription.updated", "success", time.Millisecond)
	c.ObserveEvent("customer.subscription.updated", "duplicate", time.Millisecond)

	n, err = c.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var row models.WebhookEventStat
	require.NoError(t, db.Where("status = ?", "success").First(&row).Error)
	assert.EqualValues(t, 2, row.Total)
	assert.Zero(t, rdb.Exists(ctx, eventOutcomesKey).Val())
}
