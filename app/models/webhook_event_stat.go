package models

import "time"

// WebhookEventStat holds the number of events per day, type and final status.
type WebhookEventStat struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Day       string    `gorm:"type:varchar(10);not null;uniqueIndex:ux_webhook_event_stats_bucket,priority:1" json:"day"`
	EventType string    `gorm:"type:varchar(100);not null;uniqueIndex:ux_webhook_event_stats_bucket,priority:2" json:"event_type"`
	Status    string    `gorm:"type:varchar(20);not null;uniqueIndex:ux_webhook_event_stats_bucket,priority:3" json:"status"`
	Total     int64     `gorm:"not null;default:0" json:"total"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
