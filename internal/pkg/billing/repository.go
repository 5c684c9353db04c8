package billing

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/LedgerFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides DB operations used by the reconciliation engine. Lock*
// methods take a row lock and must run inside Transaction; they return nil
// without an error when nothing matches.
type Repository interface {
	Transaction(ctx context.Context, fn func(tx Repository) error) error

	CreateEventLogIfNotExists(ctx context.Context, entry *models.WebhookEventLog) (bool, *models.WebhookEventLog, error)
	GetEventLog(ctx context.Context, id uint) (*models.WebhookEventLog, error)
	ReopenEventLog(ctx context.Context, id uint, now time.Time) (bool, error)
	FinishEventLog(ctx context.Context, id uint, updates map[string]interface{}) (bool, error)
	// ListErrorEventLogs returns error entries oldest first. maxRetries > 0
	// leaves out entries that were already retried that many times.
	ListErrorEventLogs(ctx context.Context, limit, maxRetries int) ([]models.WebhookEventLog, error)
	FailStuckEventLogs(ctx context.Context, before time.Time, message string, now time.Time) (int64, error)
	LatestEventLogByObjectRef(ctx context.Context, ref string) (*models.WebhookEventLog, error)
	CountEventLogsByStatus(ctx context.Context) (map[string]int64, error)

	LockPaymentByID(ctx context.Context, id uint) (*models.Payment, error)
	LockPaymentBySessionRef(ctx context.Context, ref string) (*models.Payment, error)
	LockPaymentByIntentRef(ctx context.Context, ref string) (*models.Payment, error)
	SavePayment(ctx context.Context, payment *models.Payment) error

	LockSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error)
	LockSubscriptionByProviderRef(ctx context.Context, ref string) (*models.Subscription, error)
	LockSubscriptionBySessionRef(ctx context.Context, ref string) (*models.Subscription, error)
	CreateSubscriptionIfNotExists(ctx context.Context, sub *models.Subscription) (bool, *models.Subscription, error)
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	ListPendingSubscriptionsBefore(ctx context.Context, before time.Time) ([]models.Subscription, error)

	LockInvoiceByOwner(ctx context.Context, domain Domain, ownerID uint) (*models.Invoice, error)
	LockInvoiceByProviderRef(ctx context.Context, ref string) (*models.Invoice, error)
	CreateInvoiceIfNotExists(ctx context.Context, invoice *models.Invoice) (bool, *models.Invoice, error)
	SaveInvoice(ctx context.Context, invoice *models.Invoice) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateEventLogIfNotExists(ctx context.Context, entry *models.WebhookEventLog) (bool, *models.WebhookEventLog, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEventLog
	if err := db.Where("event_id = ?", entry.EventID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetEventLog(ctx context.Context, id uint) (*models.WebhookEventLog, error) {
	var entry models.WebhookEventLog
	if err := r.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReopenEventLog moves an error entry back to processing. Only one caller can
// win the conditional update.
func (r *gormRepository) ReopenEventLog(ctx context.Context, id uint, now time.Time) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Where("id = ? AND status = ?", id, models.WebhookStatusError).
		Updates(map[string]interface{}{
			"status":        models.WebhookStatusProcessing,
			"retry_count":   gorm.Expr("retry_count + ?", 1),
			"error_message": nil,
			"error_details": nil,
			"processed_at":  nil,
			"updated_at":    now,
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) FinishEventLog(ctx context.Context, id uint, updates map[string]interface{}) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Where("id = ? AND status = ?", id, models.WebhookStatusProcessing).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ListErrorEventLogs(ctx context.Context, limit, maxRetries int) ([]models.WebhookEventLog, error) {
	var entries []models.WebhookEventLog
	q := r.db.WithContext(ctx).Where("status = ?", models.WebhookStatusError)
	if maxRetries > 0 {
		q = q.Where("retry_count < ?", maxRetries)
	}
	q = q.Order("created_at ASC").Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

func (r *gormRepository) FailStuckEventLogs(ctx context.Context, before time.Time, message string, now time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Where("status = ? AND updated_at < ?", models.WebhookStatusProcessing, before).
		Updates(map[string]interface{}{
			"status":        models.WebhookStatusError,
			"error_message": message,
			"processed_at":  now,
			"updated_at":    now,
		})
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) LatestEventLogByObjectRef(ctx context.Context, ref string) (*models.WebhookEventLog, error) {
	var entries []models.WebhookEventLog
	err := r.db.WithContext(ctx).
		Where("object_ref = ?", ref).
		Order("created_at DESC").Order("id DESC").
		Limit(1).
		Find(&entries).Error
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

func (r *gormRepository) CountEventLogsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := r.db.WithContext(ctx).Model(&models.WebhookEventLog{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := map[string]int64{
		models.WebhookStatusProcessing: 0,
		models.WebhookStatusSuccess:    0,
		models.WebhookStatusError:      0,
		models.WebhookStatusIgnored:    0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *gormRepository) locked(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

func lockOne[T any](db *gorm.DB, query string, args ...interface{}) (*T, error) {
	var rows []T
	if err := db.Where(query, args...).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *gormRepository) LockPaymentByID(ctx context.Context, id uint) (*models.Payment, error) {
	return lockOne[models.Payment](r.locked(ctx), "id = ?", id)
}

func (r *gormRepository) LockPaymentBySessionRef(ctx context.Context, ref string) (*models.Payment, error) {
	return lockOne[models.Payment](r.locked(ctx), "checkout_session_ref = ?", ref)
}

func (r *gormRepository) LockPaymentByIntentRef(ctx context.Context, ref string) (*models.Payment, error) {
	return lockOne[models.Payment](r.locked(ctx), "payment_intent_ref = ?", ref)
}

func (r *gormRepository) SavePayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Save(payment).Error
}

func (r *gormRepository) LockSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	return lockOne[models.Subscription](r.locked(ctx), "id = ?", id)
}

func (r *gormRepository) LockSubscriptionByProviderRef(ctx context.Context, ref string) (*models.Subscription, error) {
	return lockOne[models.Subscription](r.locked(ctx), "provider_subscription_ref = ?", ref)
}

func (r *gormRepository) LockSubscriptionBySessionRef(ctx context.Context, ref string) (*models.Subscription, error) {
	return lockOne[models.Subscription](r.locked(ctx).Order("id ASC"), "checkout_session_ref = ?", ref)
}

func (r *gormRepository) CreateSubscriptionIfNotExists(ctx context.Context, sub *models.Subscription) (bool, *models.Subscription, error) {
	if sub.ProviderSubscriptionRef == nil {
		return false, nil, errors.New("provider subscription ref is required")
	}
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_subscription_ref"}},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Subscription
	if err := db.Where("provider_subscription_ref = ?", *sub.ProviderSubscriptionRef).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) ListPendingSubscriptionsBefore(ctx context.Context, before time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.SubscriptionStatusPending, before).
		Order("created_at ASC").
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) LockInvoiceByOwner(ctx context.Context, domain Domain, ownerID uint) (*models.Invoice, error) {
	column := "payment_id"
	if domain == DomainSubscription {
		column = "subscription_id"
	}
	return lockOne[models.Invoice](r.locked(ctx).Order("id ASC"), column+" = ?", ownerID)
}

func (r *gormRepository) LockInvoiceByProviderRef(ctx context.Context, ref string) (*models.Invoice, error) {
	return lockOne[models.Invoice](r.locked(ctx), "provider_invoice_ref = ?", ref)
}

func (r *gormRepository) CreateInvoiceIfNotExists(ctx context.Context, invoice *models.Invoice) (bool, *models.Invoice, error) {
	db := r.db.WithContext(ctx)
	if invoice.ProviderInvoiceRef == nil {
		if err := db.Create(invoice).Error; err != nil {
			return false, nil, err
		}
		return true, invoice, nil
	}

	tx := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_invoice_ref"}},
		DoNothing: true,
	}).Create(invoice)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Invoice
	if err := db.Where("provider_invoice_ref = ?", *invoice.ProviderInvoiceRef).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) SaveInvoice(ctx context.Context, invoice *models.Invoice) error {
	return r.db.WithContext(ctx).Save(invoice).Error
}
