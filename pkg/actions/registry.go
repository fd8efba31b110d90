package actions

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
)

// ErrActionNotFound matches every NotFoundError via errors.Is.
var ErrActionNotFound = errors.New("action not found")

// Context describes the caller of an action.
type Context struct {
	ExecutionID string
	WorkflowID  string
	Metadata    map[string]any
}

// Action performs a named side effect.
type Action interface {
	Execute(ctx context.Context, actx Context, params map[string]any) (any, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, actx Context, params map[string]any) (any, error)

func (f ActionFunc) Execute(ctx context.Context, actx Context, params map[string]any) (any, error) {
	return f(ctx, actx, params)
}

// NotFoundError is returned when no action is registered under Name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("action %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrActionNotFound
}

// ExecutionError wraps a failure raised while an action ran.
type ExecutionError struct {
	Name  string
	Err   error
	Stack []byte
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Name, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Registry maps action names to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds action under name. Names are unique.
func (r *Registry) Register(name string, action Action) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "action name is required")
	}
	if action == nil {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "action %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[name]; exists {
		return pkgerrors.Newf(pkgerrors.CodeValidation, "action %q already registered", name)
	}
	r.actions[name] = action
	return nil
}

// Names lists registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the named action. Unknown names return *NotFoundError; errors
// and panics raised by the action come back as *ExecutionError.
func (r *Registry) Execute(ctx context.Context, name string, actx Context, params map[string]any) (result any, err error) {
	r.mu.RLock()
	action, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	if params == nil {
		params = map[string]any{}
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &ExecutionError{Name: name, Err: fmt.Errorf("panic: %v", rec), Stack: debug.Stack()}
		}
	}()

	result, err = action.Execute(ctx, actx, params)
	if err != nil {
		return nil, &ExecutionError{Name: name, Err: err}
	}
	return result, nil
}
