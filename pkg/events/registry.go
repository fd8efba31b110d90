package events

import (
	"context"
	"fmt"
	"strings"
	"sync"

	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

// HandlerFunc reacts to one event.
type HandlerFunc func(ctx context.Context, evt Event) error

// RegistrationOptions holds the optional behaviour attached to a handler.
// Every field may be left zero.
type RegistrationOptions struct {
	// ID names the registration; defaults to "<event_name>:<index>".
	ID string
	// When filters events; nil accepts every event with the registered name.
	When func(Event) bool
	// Retries is the number of extra invocations after the first failure.
	Retries int
	// RetryOn decides whether an error is worth retrying; nil retries all.
	RetryOn func(error) bool
	// DeadLetter receives the event and final error once retries are spent.
	DeadLetter func(ctx context.Context, evt Event, err error)
}

// Publisher is anything that accepts events for delivery.
type Publisher interface {
	Publish(ctx context.Context, evt Event) (bool, error)
}

// Registry is the in-process table of handler registrations.
type Registry struct {
	mu            sync.RWMutex
	registrations []*Registration
	byID          map[string]*Registration
	perName       map[string]int

	seen   SeenStore
	logger *logger.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithSeenStore replaces the in-memory seen-set.
func WithSeenStore(store SeenStore) Option {
	return func(r *Registry) {
		if store != nil {
			r.seen = store
		}
	}
}

// WithLogger attaches a logger for dead-letter and dispatch diagnostics.
func WithLogger(logg *logger.Logger) Option {
	return func(r *Registry) {
		if logg != nil {
			r.logger = logg
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byID:    make(map[string]*Registration),
		perName: make(map[string]int),
		seen:    NewMemorySeenStore(),
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-lifetime registry. Tests should build their
// own with NewRegistry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register adds a handler for eventName.
func (r *Registry) Register(eventName string, handler HandlerFunc, opts RegistrationOptions) (*Registration, error) {
	eventName = strings.TrimSpace(eventName)
	if eventName == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event name is required")
	}
	if handler == nil {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "handler for %q is required", eventName)
	}
	if opts.Retries < 0 {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "retries for %q must be non-negative", eventName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	index := r.perName[eventName]
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = fmt.Sprintf("%s:%d", eventName, index)
	}
	if _, exists := r.byID[id]; exists {
		return nil, pkgerrors.Newf(pkgerrors.CodeValidation, "registration %q already exists", id)
	}

	reg := &Registration{
		id:        id,
		eventName: eventName,
		handler:   handler,
		opts:      opts,
	}
	r.registrations = append(r.registrations, reg)
	r.byID[id] = reg
	r.perName[eventName] = index + 1
	return reg, nil
}

// MustRegister is Register for start-up wiring where a failure is a bug.
func (r *Registry) MustRegister(eventName string, handler HandlerFunc, opts RegistrationOptions) *Registration {
	reg, err := r.Register(eventName, handler, opts)
	if err != nil {
		panic(err)
	}
	return reg
}

// Lookup returns the registration with the given id.
func (r *Registry) Lookup(id string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byID[id]
	return reg, ok
}

// Registrations returns every registration in registration order.
func (r *Registry) Registrations() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}

// Matching returns, in registration order, the registrations whose name
// matches evt and whose When predicate accepts it.
func (r *Registry) Matching(evt Event) []*Registration {
	r.mu.RLock()
	candidates := make([]*Registration, 0, r.perName[evt.EventName])
	for _, reg := range r.registrations {
		if reg.eventName == evt.EventName {
			candidates = append(candidates, reg)
		}
	}
	r.mu.RUnlock()

	out := candidates[:0]
	for _, reg := range candidates {
		if reg.Accepts(evt) {
			out = append(out, reg)
		}
	}
	return out
}

// ErrPublishInFlight is returned for a duplicate publish that arrives while
// the first publish of the same event id is still dispatching.
var ErrPublishInFlight = pkgerrors.New(pkgerrors.CodeStateConflict, "event publish already in flight")

// Publish dispatches evt synchronously to every matching registration. It
// returns false when any handler was dead-lettered. Re-publishing an event id
// runs nothing and returns the first outcome, or ErrPublishInFlight while
// that outcome is not recorded yet.
func (r *Registry) Publish(ctx context.Context, evt Event) (bool, error) {
	if err := evt.Validate(); err != nil {
		return false, err
	}

	first, err := r.seen.Reserve(ctx, evt.EventID)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve event id")
	}
	if !first {
		outcome, err := r.seen.Outcome(ctx, evt.EventID)
		if err != nil {
			return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read publish outcome")
		}
		if outcome == OutcomeInFlight {
			return false, ErrPublishInFlight
		}
		return outcome == OutcomeHandled, nil
	}

	handled := r.dispatch(ctx, evt)

	if err := r.seen.Record(ctx, evt.EventID, handled); err != nil {
		return handled, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record publish outcome")
	}
	return handled, nil
}

func (r *Registry) dispatch(ctx context.Context, evt Event) bool {
	handled := true
	for _, reg := range r.Matching(evt) {
		invocations, err := reg.Deliver(ctx, evt)
		if err == nil {
			continue
		}
		handled = false

		logCtx := r.logger.WithFields(ctx, map[string]any{
			"event_id":        evt.EventID,
			"event_name":      evt.EventName,
			"registration_id": reg.ID(),
			"invocations":     invocations,
		})
		r.logger.Error(logCtx, "handler dead-lettered", err)
		reg.NotifyDeadLetter(ctx, evt, err)
	}
	return handled
}
