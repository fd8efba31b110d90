package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventflow/pkg/db/types"
	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
)

// Repository persists executions. Every state change is conditional on the
// state the caller last observed.
type Repository struct {
	db *db.Client
}

func NewRepository(client *db.Client) *Repository {
	return &Repository{db: client}
}

func (r *Repository) Create(ctx context.Context, exec *models.Execution) error {
	if err := r.db.Conn(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// Get returns the execution or a NOT_FOUND error.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	var row models.Execution
	err := r.db.Conn(ctx).Where("execution_id = ?", id).First(&row).Error
	if db.IsNotFound(err) {
		return nil, pkgerrors.Newf(pkgerrors.CodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return &row, nil
}

// FindCompleted returns the completed execution for (workflowID,
// correlationID), or nil.
func (r *Repository) FindCompleted(ctx context.Context, workflowID, correlationID string) (*models.Execution, error) {
	var rows []models.Execution
	err := r.db.Conn(ctx).
		Where("correlation_id = ? AND workflow_id = ? AND state = ?", correlationID, workflowID, enums.ExecutionStateCompleted).
		Order("started_at ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find completed execution: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Finish moves exec from its current state to state. It reports false when
// the row left that state concurrently.
func (r *Repository) Finish(ctx context.Context, exec *models.Execution, state enums.ExecutionState, output map[string]any, errMsg string, endedAt time.Time) (bool, error) {
	updates := map[string]any{
		"state":    state,
		"ended_at": endedAt,
		"error":    nullable(errMsg),
	}
	if output != nil {
		updates["output_data"] = dbtypes.JSONMap(output)
	}
	ok, err := r.transition(ctx, exec, updates)
	if err != nil || !ok {
		return ok, err
	}
	exec.State = state
	exec.EndedAt = &endedAt
	exec.Error, _ = nullable(errMsg).(*string)
	if output != nil {
		exec.OutputData = dbtypes.JSONMap(output)
	}
	return true, nil
}

// Complete marks exec completed with merged metadata.
func (r *Repository) Complete(ctx context.Context, exec *models.Execution, metadata map[string]any, endedAt time.Time) (bool, error) {
	ok, err := r.transition(ctx, exec, map[string]any{
		"state":    enums.ExecutionStateCompleted,
		"metadata": dbtypes.JSONMap(metadata),
		"ended_at": endedAt,
	})
	if err != nil || !ok {
		return ok, err
	}
	exec.State = enums.ExecutionStateCompleted
	exec.Metadata = dbtypes.JSONMap(metadata)
	exec.EndedAt = &endedAt
	return true, nil
}

func (r *Repository) transition(ctx context.Context, exec *models.Execution, updates map[string]any) (bool, error) {
	res := r.db.Conn(ctx).Model(&models.Execution{}).
		Where("execution_id = ? AND state = ?", exec.ExecutionID, exec.State).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update execution %s: %w", exec.ExecutionID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func nullable(msg string) any {
	if msg == "" {
		return nil
	}
	return &msg
}
