package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/eventflow/pkg/actions"
	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventflow/pkg/db/types"
	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

// ErrExecutionCancelled is returned when resuming a cancelled execution.
var ErrExecutionCancelled = pkgerrors.New(pkgerrors.CodeCancelled, "execution was cancelled")

// StartOptions are the optional inputs to Start.
type StartOptions struct {
	CorrelationID string
	Metadata      map[string]any
}

type EngineParams struct {
	DB       *db.Client
	Handlers *HandlerRegistry
	Actions  *actions.Registry
	Executor Executor
	Logger   *logger.Logger
	// Async enables deferred execution when an Executor is also present.
	Async bool
	Now   func() time.Time
}

// Engine starts and tracks workflow executions.
type Engine struct {
	db       *db.Client
	repo     *Repository
	handlers *HandlerRegistry
	actions  *actions.Registry
	executor Executor
	logg     *logger.Logger
	async    bool
	now      func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, errors.New("db client is required")
	}
	e := &Engine{
		db:       params.DB,
		repo:     NewRepository(params.DB),
		handlers: params.Handlers,
		actions:  params.Actions,
		executor: params.Executor,
		logg:     params.Logger,
		async:    params.Async,
		now:      params.Now,
	}
	if e.handlers == nil {
		e.handlers = NewHandlerRegistry()
	}
	if e.actions == nil {
		e.actions = actions.NewRegistry()
	}
	if e.logg == nil {
		e.logg = logger.Nop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e, nil
}

// Handlers exposes the handler registry for start-up wiring.
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}

// Start creates an execution of def, or returns the completed execution
// already recorded under the same correlation id. Handler failures are
// recorded on the execution, not returned.
func (e *Engine) Start(ctx context.Context, def Definition, input map[string]any, opts StartOptions) (*models.Execution, error) {
	workflowID := strings.TrimSpace(def.WorkflowID)
	if workflowID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "workflow id is required")
	}

	var result *models.Execution
	err := e.db.InTx(ctx, func(ctx context.Context, uow *db.UnitOfWork) error {
		if opts.CorrelationID != "" {
			existing, err := e.repo.FindCompleted(ctx, workflowID, opts.CorrelationID)
			if err != nil {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		exec := &models.Execution{
			WorkflowID: workflowID,
			State:      enums.ExecutionStatePending,
			InputData:  dbtypes.JSONMap(input).Clone(),
			OutputData: dbtypes.JSONMap{},
			StartedAt:  e.now(),
			Metadata:   dbtypes.JSONMap(opts.Metadata).Clone(),
		}
		if opts.CorrelationID != "" {
			corr := opts.CorrelationID
			exec.CorrelationID = &corr
		}
		logCtx := e.logg.WithFields(ctx, map[string]any{
			"workflow_id": workflowID,
			"handler":     def.Handler,
		})

		handler, ok := e.handlers.Lookup(def.Handler)
		if !ok {
			if def.Handler != "" {
				e.logg.Warn(logCtx, "workflow handler not registered; recording execution only")
			}
			ended := e.now()
			exec.State = enums.ExecutionStateCompleted
			exec.EndedAt = &ended
			if err := e.repo.Create(ctx, exec); err != nil {
				return err
			}
			result = exec
			return nil
		}

		if e.async && e.executor != nil {
			exec.Metadata[MetadataHandler] = def.Handler
			if err := e.repo.Create(ctx, exec); err != nil {
				return err
			}
			id := exec.ExecutionID
			uow.AfterCommit(func() {
				if err := e.executor.Submit(func(ctx context.Context) { e.runDeferred(ctx, id) }); err != nil {
					e.logg.Error(e.logg.WithExecutionID(logCtx, id.String()), "failed to schedule workflow", err)
				}
			})
			result = exec
			return nil
		}

		if err := e.repo.Create(ctx, exec); err != nil {
			return err
		}
		if err := e.run(ctx, exec, handler); err != nil {
			return err
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// run invokes handler and records its outcome on a pending execution.
func (e *Engine) run(ctx context.Context, exec *models.Execution, handler HandlerFunc) error {
	logCtx := e.logg.WithExecutionID(ctx, exec.ExecutionID.String())
	output, herr := e.invoke(ctx, exec, handler)

	state := enums.ExecutionStateCompleted
	errMsg := ""
	if herr != nil {
		state = enums.ExecutionStateFailed
		errMsg = herr.Error()
		output = nil
		e.logg.Error(logCtx, "workflow handler failed", herr)
	} else if output == nil {
		output = map[string]any{}
	}

	ok, err := e.repo.Finish(ctx, exec, state, output, errMsg, e.now())
	if err != nil {
		return err
	}
	if !ok {
		e.logg.Warn(logCtx, "execution changed state while running; outcome discarded")
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, exec *models.Execution, handler HandlerFunc) (output map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow handler panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	hc := HandlerContext{Execution: exec, Actions: e.actions, Engine: e}
	return handler(ctx, hc, exec.InputData.Clone())
}

// runDeferred executes a pending execution scheduled by Start.
func (e *Engine) runDeferred(ctx context.Context, id uuid.UUID) {
	logCtx := e.logg.WithExecutionID(ctx, id.String())
	err := e.db.InTx(ctx, func(ctx context.Context, _ *db.UnitOfWork) error {
		exec, err := e.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if exec.State != enums.ExecutionStatePending {
			return nil
		}
		name, _ := exec.Metadata[MetadataHandler].(string)
		handler, ok := e.handlers.Lookup(name)
		if !ok {
			_, err := e.repo.Finish(ctx, exec, enums.ExecutionStateFailed, nil,
				fmt.Sprintf("workflow handler %q not registered", name), e.now())
			return err
		}
		return e.run(ctx, exec, handler)
	})
	if err != nil {
		e.logg.Error(logCtx, "deferred workflow run failed", err)
	}
}

// Resume merges signal into the execution metadata and completes it.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID, signal map[string]any) (*models.Execution, error) {
	var result *models.Execution
	err := e.db.InTx(ctx, func(ctx context.Context, _ *db.UnitOfWork) error {
		exec, err := e.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if exec.State == enums.ExecutionStateCancelled {
			return ErrExecutionCancelled
		}

		metadata := exec.Metadata.Clone()
		if metadata == nil {
			metadata = map[string]any{}
		}
		merged := map[string]any{}
		if prior, ok := metadata[MetadataSignal].(map[string]any); ok {
			for k, v := range prior {
				merged[k] = v
			}
		}
		for k, v := range signal {
			merged[k] = v
		}
		metadata[MetadataSignal] = merged

		ok, err := e.repo.Complete(ctx, exec, metadata, e.now())
		if err != nil {
			return err
		}
		if !ok {
			current, err := e.repo.Get(ctx, id)
			if err != nil {
				return err
			}
			if current.State == enums.ExecutionStateCancelled {
				return ErrExecutionCancelled
			}
			return pkgerrors.Newf(pkgerrors.CodeStateConflict, "execution %s changed state during resume", id)
		}
		result = exec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel marks the execution cancelled with reason. Cancelling twice
// re-stamps the record. In-flight handlers are not interrupted.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Execution, error) {
	var result *models.Execution
	err := e.db.InTx(ctx, func(ctx context.Context, _ *db.UnitOfWork) error {
		for i := 0; i < 3; i++ {
			exec, err := e.repo.Get(ctx, id)
			if err != nil {
				return err
			}
			ok, err := e.repo.Finish(ctx, exec, enums.ExecutionStateCancelled, nil, reason, e.now())
			if err != nil {
				return err
			}
			if ok {
				result = exec
				return nil
			}
		}
		return pkgerrors.Newf(pkgerrors.CodeStateConflict, "execution %s kept changing state during cancel", id)
	})
	if err != nil {
		return nil, err
	}
	e.logg.Info(e.logg.WithExecutionID(ctx, id.String()), "execution cancelled")
	return result, nil
}

// Status returns the execution or a NOT_FOUND error.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (*models.Execution, error) {
	return e.repo.Get(ctx, id)
}

// IsNotFound reports whether err is an unknown-execution error.
func IsNotFound(err error) bool {
	return pkgerrors.HasCode(err, pkgerrors.CodeNotFound)
}
