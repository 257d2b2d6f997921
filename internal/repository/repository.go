package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"github.com/google/uuid"
)

var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrTemplateExists       = errors.New("template already exists")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidStatus        = errors.New("invalid notification status")
)

// NotificationStore persists dispatch records. Records are never deleted here.
type NotificationStore interface {
	CreateNotification(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, error)
	// UpdateNotificationStatus reports false when no record has the given id.
	UpdateNotificationStatus(ctx context.Context, id string, status models.NotificationStatus, upd models.StatusUpdate) (bool, error)
	GetNotification(ctx context.Context, id string) (models.NotificationRecord, error)
	GetNotificationsByUserID(ctx context.Context, userID string, limit, offset int) ([]models.NotificationRecord, error)
	// GetNotificationStats counts records by status; an empty userID means all users.
	GetNotificationStats(ctx context.Context, userID string) (models.NotificationStats, error)
}

type TemplateStore interface {
	GetTemplateByName(ctx context.Context, name string) (models.NotificationTemplate, error)
	CreateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error)
	UpdateTemplate(ctx context.Context, tpl models.NotificationTemplate) (models.NotificationTemplate, error)
	DeleteTemplate(ctx context.Context, name string) error
	ListTemplates(ctx context.Context) ([]models.NotificationTemplate, error)
}

type Store interface {
	NotificationStore
	TemplateStore
	Ping(ctx context.Context) error
	Close() error
}

// PrepareRecord fills the defaults every store applies on create.
func PrepareRecord(rec models.NotificationRecord, now time.Time) models.NotificationRecord {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = models.StatusPending
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = models.DefaultMaxRetries
	}
	if rec.Priority == "" {
		rec.Priority = models.PriorityNormal
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec
}

// CheckTransition validates a status change against the record lifecycle.
func CheckTransition(from, to models.NotificationStatus) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ClampPage normalises limit/offset for listing queries.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func NewStats() models.NotificationStats {
	return models.NotificationStats{ByStatus: map[models.NotificationStatus]int{
		models.StatusPending:   0,
		models.StatusSent:      0,
		models.StatusFailed:    0,
		models.StatusDelivered: 0,
		models.StatusRead:      0,
	}}
}

func PrepareTemplate(tpl models.NotificationTemplate, now time.Time) models.NotificationTemplate {
	if tpl.CreatedAt.IsZero() {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	return tpl
}
