package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/eventflow/pkg/enums"
)

// OutboxEntry tracks delivery of one durably published event.
type OutboxEntry struct {
	ID          uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	EventID     string             `gorm:"column:event_id;not null;uniqueIndex:outbox_event_id_key"`
	Status      enums.OutboxStatus `gorm:"column:status;not null;default:pending;index:outbox_status_available_at_idx,priority:1"`
	AvailableAt time.Time          `gorm:"column:available_at;not null;index:outbox_status_available_at_idx,priority:2"`
	ClaimedAt   *time.Time         `gorm:"column:claimed_at"`
	ClaimToken  *string            `gorm:"column:claim_token;index:outbox_claim_token_idx"`
	Attempts    int                `gorm:"column:attempts;not null;default:0"`
	LastError   *string            `gorm:"column:last_error"`
	CreatedAt   time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time          `gorm:"column:updated_at;autoUpdateTime"`

	Event *Event `gorm:"foreignKey:EventID;references:EventID"`
}

func (OutboxEntry) TableName() string {
	return "outbox"
}

func (e *OutboxEntry) BeforeCreate(*gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
