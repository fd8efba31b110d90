package workflow

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/angelmondragon/eventflow/pkg/actions"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
)

// MetadataHandler is the execution metadata key naming a deferred handler.
const MetadataHandler = "handler"

// MetadataSignal is the execution metadata key holding merged resume signals.
const MetadataSignal = "signal"

// Definition names a workflow and the handler that runs it. An empty or
// unregistered Handler makes the workflow fire-and-record.
type Definition struct {
	WorkflowID string
	Handler    string
}

// HandlerContext is what a running handler can reach.
type HandlerContext struct {
	Execution *models.Execution
	Actions   *actions.Registry
	Engine    *Engine
}

// Execute runs a named action on behalf of the current execution.
func (hc HandlerContext) Execute(ctx context.Context, name string, params map[string]any) (any, error) {
	if hc.Actions == nil {
		return nil, &actions.NotFoundError{Name: name}
	}
	actx := actions.Context{}
	if hc.Execution != nil {
		actx = actions.Context{
			ExecutionID: hc.Execution.ExecutionID.String(),
			WorkflowID:  hc.Execution.WorkflowID,
			Metadata:    hc.Execution.Metadata.Clone(),
		}
	}
	return hc.Actions.Execute(ctx, name, actx, params)
}

// HandlerFunc is a workflow body. Its output becomes the execution output.
type HandlerFunc func(ctx context.Context, hc HandlerContext, input map[string]any) (map[string]any, error)

// HandlerRegistry resolves handler names.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

func (r *HandlerRegistry) Register(name string, fn HandlerFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "workflow handler name is required")
	}
	if fn == nil {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "workflow handler %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "workflow handler %q already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

func (r *HandlerRegistry) Lookup(name string) (HandlerFunc, bool) {
	if r == nil || name == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
