package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ManuelReschke/LocalMarket/app/models"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SubscriptionMutation computes the row to persist from the locked current
// row (nil when absent). A nil result writes nothing. The note is stored on
// the webhook event when one is being completed.
type SubscriptionMutation func(current *models.Subscription) (next *models.Subscription, note string, err error)

// Repository provides DB operations used by the billing service.
type Repository interface {
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetWebhookEvent(ctx context.Context, id uint) (*models.WebhookEvent, error)
	ListWebhookEvents(ctx context.Context, filter EventFilter) ([]models.WebhookEvent, error)
	ListUnprocessedWebhookEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.WebhookEvent, error)
	// MarkWebhookProcessed completes an event. It returns ErrAlreadyProcessed
	// when the event was completed concurrently.
	MarkWebhookProcessed(ctx context.Context, id uint, note string) error
	RecordWebhookFailure(ctx context.Context, id uint, processingErr string) error
	GetSubscription(ctx context.Context, businessID string) (*models.Subscription, error)
	// ApplySubscriptionChange locks the event (when eventID != 0) and the
	// business's subscription row, runs mutate, saves the result and marks
	// the event processed in one transaction.
	ApplySubscriptionChange(ctx context.Context, eventID uint, businessID string, mutate SubscriptionMutation) error
}

// EventFilter narrows ListWebhookEvents.
type EventFilter struct {
	Processed *bool
	Limit     int
	Offset    int
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, classifyError(tx.Error)
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.WithContext(ctx).Where("request_id = ?", event.RequestID).First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) GetWebhookEvent(ctx context.Context, id uint) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (r *gormRepository) ListWebhookEvents(ctx context.Context, filter EventFilter) ([]models.WebhookEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if filter.Processed != nil {
		q = q.Where("processed = ?", *filter.Processed)
	}
	var events []models.WebhookEvent
	err := q.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&events).Error
	return events, err
}

func (r *gormRepository) ListUnprocessedWebhookEvents(ctx context.Context, createdBefore time.Time, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("processed = ? AND created_at < ?", false, createdBefore).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, note string) error {
	return classifyError(markProcessed(r.db.WithContext(ctx), id, note))
}

func markProcessed(tx *gorm.DB, id uint, note string) error {
	now := time.Now()
	res := tx.Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":       true,
			"processed_at":    &now,
			"processing_note": truncateNote(note),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (r *gormRepository) RecordWebhookFailure(ctx context.Context, id uint, processingErr string) error {
	err := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateUTF8(processingErr, maxLastErrorBytes),
		}).Error
	return classifyError(err)
}

func (r *gormRepository) GetSubscription(ctx context.Context, businessID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.WithContext(ctx).Where("business_id = ?", businessID).First(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ApplySubscriptionChange(ctx context.Context, eventID uint, businessID string, mutate SubscriptionMutation) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if eventID != 0 {
			var ev models.WebhookEvent
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("id", "processed").
				First(&ev, eventID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotFound
			}
			if err != nil {
				return err
			}
			if ev.Processed {
				return ErrAlreadyProcessed
			}
		}

		var current *models.Subscription
		var row models.Subscription
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("business_id = ?", businessID).
			First(&row).Error
		switch {
		case err == nil:
			current = &row
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, note, err := mutate(current)
		if err != nil {
			return err
		}
		if next != nil {
			if err := tx.Save(next).Error; err != nil {
				return err
			}
		}
		if eventID != 0 {
			return markProcessed(tx, eventID, note)
		}
		return nil
	})
	return classifyError(err)
}

// MySQL error numbers that are safe to retry.
const (
	mysqlErrDupEntry        = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

// classifyError maps retriable storage failures onto ErrStorageConflict.
// Domain sentinels pass through untouched.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrStorageConflict, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlErrDupEntry, mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return fmt.Errorf("%w: %v", ErrStorageConflict, err)
		}
	}
	return err
}

const (
	maxNoteBytes      = 255
	maxLastErrorBytes = 4096
)

func truncateNote(s string) string {
	return truncateUTF8(s, maxNoteBytes)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
