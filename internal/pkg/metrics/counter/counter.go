package counter

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	eventOutcomesKey = "billing:counters:outcomes"
	fieldSep         = "|"
	dayLayout        = "2006-01-02"
)

// Counter accumulates webhook outcomes in a Redis hash and periodically folds
// them into webhook_event_stats. It satisfies billing.Observer.
type Counter struct {
	rdb *redis.Client
	db  *gorm.DB
	now func() time.Time
}

func New(rdb *redis.Client, db *gorm.DB) *Counter {
	return &Counter{rdb: rdb, db: db, now: time.Now}
}

// ObserveEvent increments the pending counter for today's bucket.
func (c *Counter) ObserveEvent(eventType, status string, _ time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	field := bucketField(c.now().UTC().Format(dayLayout), eventType, status)
	if err := c.rdb.HIncrBy(ctx, eventOutcomesKey, field, 1).Err(); err != nil {
		log.Warnf("[Counter] Could not count %s: %v", field, err)
	}
}

type bucket struct {
	day       string
	eventType string
	status    string
	inc       int64
}

func bucketField(day, eventType, status string) string {
	return day + fieldSep + eventType + fieldSep + status
}

func parseBucket(field, value string) (bucket, bool) {
	parts := strings.SplitN(field, fieldSep, 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return bucket{}, false
	}
	inc, err := strconv.ParseInt(value, 10, 64)
	if err != nil || inc == 0 {
		return bucket{}, false
	}
	return bucket{day: parts[0], eventType: parts[1], status: parts[2], inc: inc}, true
}

// Flush drains the hash and applies the increments. RENAME to a temporary key
// makes the drain atomic; increments that arrive meanwhile go to a fresh hash.
func (c *Counter) Flush(ctx context.Context) (int, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", eventOutcomesKey, c.now().UnixNano())
	if err := c.rdb.Rename(ctx, eventOutcomesKey, tmpKey).Err(); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return 0, nil
		}
		return 0, err
	}
	defer c.rdb.Del(context.WithoutCancel(ctx), tmpKey)

	data, err := c.rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return 0, err
	}

	buckets := make([]bucket, 0, len(data))
	for field, value := range data {
		if b, ok := parseBucket(field, value); ok {
			buckets = append(buckets, b)
		}
	}
	if err := c.apply(ctx, buckets); err != nil {
		// put the counts back so the next flush retries them
		pipe := c.rdb.Pipeline()
		for _, b := range buckets {
			pipe.HIncrBy(ctx, eventOutcomesKey, bucketField(b.day, b.eventType, b.status), b.inc)
		}
		if _, rerr := pipe.Exec(context.WithoutCancel(ctx)); rerr != nil {
			log.Errorf("[Counter] Lost %d buckets after failed flush: %v", len(buckets), rerr)
		}
		return 0, err
	}
	return len(buckets), nil
}

func (c *Counter) apply(ctx context.Context, buckets []bucket) error {
	if len(buckets) == 0 {
		return nil
	}
	sort.Slice(buckets, func(i, j int) bool {
		return bucketField(buckets[i].day, buckets[i].eventType, buckets[i].status) <
			bucketField(buckets[j].day, buckets[j].eventType, buckets[j].status)
	})

	now := c.now().UTC()
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range buckets {
			row := models.WebhookEventStat{Day: b.day, EventType: b.eventType, Status: b.status, Total: b.inc, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "day"}, {Name: "event_type"}, {Name: "status"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total":      gorm.Expr("total + ?", b.inc),
					"updated_at": now,
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("upsert %s: %w", bucketField(b.day, b.eventType, b.status), err)
			}
		}
		return nil
	})
}

// Daily returns the flushed totals from the given day on, newest first.
func Daily(ctx context.Context, db *gorm.DB, since time.Time) ([]models.WebhookEventStat, error) {
	var stats []models.WebhookEventStat
	err := db.WithContext(ctx).
		Where("day >= ?", since.UTC().Format(dayLayout)).
		Order("day DESC, event_type ASC, status ASC").
		Find(&stats).Error
	return stats, err
}
