package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventflow/api/responses"
	"github.com/angelmondragon/eventflow/api/validators"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/workflow"
)

type workflowEngine interface {
	Start(ctx context.Context, def workflow.Definition, input map[string]any, opts workflow.StartOptions) (*models.Execution, error)
	Resume(ctx context.Context, id uuid.UUID, signal map[string]any) (*models.Execution, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Execution, error)
	Status(ctx context.Context, id uuid.UUID) (*models.Execution, error)
}

type startRequest struct {
	Handler       string         `json:"handler"`
	Input         map[string]any `json:"input"`
	CorrelationID string         `json:"correlation_id"`
	Metadata      map[string]any `json:"metadata"`
}

type resumeRequest struct {
	Signal map[string]any `json:"signal"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

type executionView struct {
	ExecutionID   string         `json:"execution_id"`
	WorkflowID    string         `json:"workflow_id"`
	State         string         `json:"state"`
	Input         map[string]any `json:"input"`
	Output        map[string]any `json:"output"`
	CorrelationID *string        `json:"correlation_id,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Error         *string        `json:"error,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

func newExecutionView(exec *models.Execution) executionView {
	return executionView{
		ExecutionID:   exec.ExecutionID.String(),
		WorkflowID:    exec.WorkflowID,
		State:         string(exec.State),
		Input:         exec.InputData,
		Output:        exec.OutputData,
		CorrelationID: exec.CorrelationID,
		StartedAt:     exec.StartedAt,
		EndedAt:       exec.EndedAt,
		Error:         exec.Error,
		Metadata:      exec.Metadata,
	}
}

func StartWorkflow(engine workflowEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req startRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		def := workflow.Definition{WorkflowID: chi.URLParam(r, "workflowId"), Handler: req.Handler}
		exec, err := engine.Start(ctx, def, req.Input, workflow.StartOptions{
			CorrelationID: req.CorrelationID,
			Metadata:      req.Metadata,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, newExecutionView(exec))
	}
}

func GetExecution(engine workflowEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := executionID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		exec, err := engine.Status(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newExecutionView(exec))
	}
}

func ResumeExecution(engine workflowEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := executionID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req resumeRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		exec, err := engine.Resume(ctx, id, req.Signal)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newExecutionView(exec))
	}
}

func CancelExecution(engine workflowEngine, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := executionID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req cancelRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		exec, err := engine.Cancel(ctx, id, req.Reason)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newExecutionView(exec))
	}
}

func executionID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "executionId"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "execution id must be a uuid")
	}
	return id, nil
}
