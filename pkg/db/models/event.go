package models

import (
	"time"

	dbtypes "github.com/angelmondragon/eventflow/pkg/db/types"
)

// Event is the immutable, durable record of something that happened.
type Event struct {
	EventID    string          `gorm:"column:event_id;primaryKey"`
	EventType  string          `gorm:"column:event_type;not null;index:events_event_type_idx"`
	EventName  string          `gorm:"column:event_name;not null;index:events_event_name_idx"`
	Source     string          `gorm:"column:source;not null;default:''"`
	OccurredAt time.Time       `gorm:"column:occurred_at;not null;index:events_occurred_at_idx"`
	Payload    dbtypes.JSONMap `gorm:"column:payload;not null"`
	Metadata   dbtypes.JSONMap `gorm:"column:metadata;not null"`
	CreatedAt  time.Time       `gorm:"column:created_at;autoCreateTime"`
}
