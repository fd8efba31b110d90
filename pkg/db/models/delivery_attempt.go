package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventflow/pkg/enums"
)

// DeliveryAttempt records one handler registration's progress on one event.
type DeliveryAttempt struct {
	ID                    uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	EventID               string               `gorm:"column:event_id;not null;uniqueIndex:delivery_attempts_event_handler_key,priority:1"`
	HandlerRegistrationID string               `gorm:"column:handler_registration_id;not null;uniqueIndex:delivery_attempts_event_handler_key,priority:2"`
	IdempotencyKey        string               `gorm:"column:idempotency_key;not null;uniqueIndex:delivery_attempts_idempotency_key_key"`
	Status                enums.DeliveryStatus `gorm:"column:status;not null;default:pending;index:delivery_attempts_status_idx"`
	Attempts              int                  `gorm:"column:attempts;not null;default:0"`
	LastError             *string              `gorm:"column:last_error"`
	LastTraceback         *string              `gorm:"column:last_traceback"`
	CreatedAt             time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt             time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (a *DeliveryAttempt) BeforeCreate(*gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
