package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbtypes "github.com/angelmondragon/eventflow/pkg/db/types"
	"github.com/angelmondragon/eventflow/pkg/enums"
)

// Execution is one run of a named workflow.
type Execution struct {
	ExecutionID   uuid.UUID            `gorm:"column:execution_id;type:uuid;primaryKey"`
	WorkflowID    string               `gorm:"column:workflow_id;not null;index:executions_workflow_state_idx,priority:1;index:executions_correlation_workflow_idx,priority:2"`
	State         enums.ExecutionState `gorm:"column:state;not null;default:pending;index:executions_workflow_state_idx,priority:2"`
	InputData     dbtypes.JSONMap      `gorm:"column:input_data;not null"`
	OutputData    dbtypes.JSONMap      `gorm:"column:output_data;not null"`
	CorrelationID *string              `gorm:"column:correlation_id;index:executions_correlation_workflow_idx,priority:1"`
	StartedAt     time.Time            `gorm:"column:started_at;not null"`
	EndedAt       *time.Time           `gorm:"column:ended_at"`
	Error         *string              `gorm:"column:error"`
	Metadata      dbtypes.JSONMap      `gorm:"column:metadata;not null"`
	CreatedAt     time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (e *Execution) BeforeCreate(*gorm.DB) error {
	if e.ExecutionID == uuid.Nil {
		e.ExecutionID = uuid.New()
	}
	return nil
}

// IsTerminal reports whether the execution has left pending.
func (e *Execution) IsTerminal() bool {
	return e.State != enums.ExecutionStatePending
}
