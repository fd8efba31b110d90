package bridge

import (
	"context"
	"errors"
	"sort"

	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

// Event names emitted for each mutation action.
const (
	EventManagerCreated = "manager_created"
	EventManagerUpdated = "manager_updated"
	EventManagerDeleted = "manager_deleted"

	DefaultSource = "signal_bridge"

	// MetadataEventID lets the host pin the event id for idempotent re-delivery.
	MetadataEventID = "event_id"
)

// internalKeys never reach an event payload.
var internalKeys = map[string]struct{}{
	"creator_id":         {},
	"history_comment":    {},
	"ignore_permission":  {},
	"bypass_permissions": {},
	"signal_name":        {},
}

// Mutation is one create, update or delete reported by the model layer.
type Mutation struct {
	EntityType     string
	Identification map[string]any
	Action         enums.MutationAction
	Changes        map[string]any
	// Previous holds old values when the caller already knows them.
	Previous map[string]any
	Metadata map[string]any
}

// MutationObserver is the hook the host persistence layer calls after every
// mutation.
type MutationObserver interface {
	OnMutation(ctx context.Context, m Mutation) error
}

// HistoryReader recovers field values from one step back in an entity's
// audit trail.
type HistoryReader interface {
	PreviousValues(ctx context.Context, entityType string, identification map[string]any, fields []string) (map[string]any, error)
}

// Params wires a Bridge.
type Params struct {
	Publisher events.Publisher
	History   HistoryReader
	Logger    *logger.Logger
	Enabled   bool
	Source    string
}

// Bridge turns mutations into events.
type Bridge struct {
	publisher events.Publisher
	history   HistoryReader
	logger    *logger.Logger
	enabled   bool
	source    string
}

var _ MutationObserver = (*Bridge)(nil)

// New builds a bridge. A disabled bridge accepts every call and emits nothing.
func New(p Params) (*Bridge, error) {
	if p.Enabled && p.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if p.Logger == nil {
		p.Logger = logger.Nop()
	}
	if p.Source == "" {
		p.Source = DefaultSource
	}
	return &Bridge{
		publisher: p.Publisher,
		history:   p.History,
		logger:    p.Logger,
		enabled:   p.Enabled,
		source:    p.Source,
	}, nil
}

// Enabled reports whether mutations produce events.
func (b *Bridge) Enabled() bool {
	return b != nil && b.enabled
}

// Notify is the inbound hook shape used by the model layer.
func (b *Bridge) Notify(ctx context.Context, entityType string, identification map[string]any, action string, changes, metadata map[string]any) error {
	parsed, err := enums.ParseMutationAction(action)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown mutation action")
	}
	return b.OnMutation(ctx, Mutation{
		EntityType:     entityType,
		Identification: identification,
		Action:         parsed,
		Changes:        changes,
		Metadata:       metadata,
	})
}

// OnMutation builds the event for m and publishes it.
func (b *Bridge) OnMutation(ctx context.Context, m Mutation) error {
	if !b.Enabled() {
		return nil
	}
	if m.EntityType == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "entity type is required")
	}

	evt, ok, err := b.build(ctx, m)
	if err != nil || !ok {
		return err
	}

	logCtx := b.logger.WithFields(ctx, map[string]any{
		"event_id":    evt.EventID,
		"event_name":  evt.EventName,
		"entity_type": m.EntityType,
	})
	handled, err := b.publisher.Publish(ctx, evt)
	if err != nil {
		b.logger.Error(logCtx, "signal bridge publish failed", err)
		return err
	}
	if !handled {
		b.logger.Warn(logCtx, "signal bridge event was dead-lettered by a handler")
	}
	return nil
}

func (b *Bridge) build(ctx context.Context, m Mutation) (events.Event, bool, error) {
	identification := copyMap(m.Identification)
	metadata := stripInternal(m.Metadata)
	metadata["entity_type"] = m.EntityType
	metadata["action"] = string(m.Action)

	opts := []events.EventOption{events.WithSource(b.source)}
	if id, ok := metadata[MetadataEventID].(string); ok && id != "" {
		opts = append(opts, events.WithEventID(id))
		delete(metadata, MetadataEventID)
	}
	opts = append(opts, events.WithMetadata(metadata))

	switch m.Action {
	case enums.MutationCreate:
		fields := stripInternal(m.Changes)
		if len(fields) == 0 {
			return events.Event{}, false, nil
		}
		fields[events.PayloadIdentification] = identification
		return events.NewEvent(events.TypeEntityCreated, EventManagerCreated, fields, opts...), true, nil

	case enums.MutationUpdate:
		fields := stripInternal(m.Changes)
		if len(fields) == 0 {
			return events.Event{}, false, nil
		}
		changes := b.diff(ctx, m, fields)
		payload := map[string]any{
			events.PayloadChanges:        changes,
			events.PayloadIdentification: identification,
		}
		return events.NewEvent(events.TypeEntityUpdated, EventManagerUpdated, payload, opts...), true, nil

	case enums.MutationDelete:
		payload := map[string]any{events.PayloadIdentification: identification}
		return events.NewEvent(events.TypeEntityDeleted, EventManagerDeleted, payload, opts...), true, nil

	default:
		return events.Event{}, false, pkgerrors.Newf(pkgerrors.CodeValidation, "unknown mutation action %q", m.Action)
	}
}

// diff builds {field: {old, new}}. Old values come from the mutation, then
// from history; anything still unknown is nil.
func (b *Bridge) diff(ctx context.Context, m Mutation, fields map[string]any) map[string]any {
	old := make(map[string]any, len(fields))
	missing := make([]string, 0, len(fields))
	for field := range fields {
		if value, ok := m.Previous[field]; ok {
			old[field] = value
			continue
		}
		missing = append(missing, field)
	}

	if len(missing) > 0 && b.history != nil {
		sort.Strings(missing)
		recovered, err := b.history.PreviousValues(ctx, m.EntityType, m.Identification, missing)
		if err != nil {
			b.logger.Warn(b.logger.WithField(ctx, "entity_type", m.EntityType), "history lookup failed: "+err.Error())
		}
		for _, field := range missing {
			if value, ok := recovered[field]; ok {
				old[field] = value
			}
		}
	}

	changes := make(map[string]any, len(fields))
	for field, newValue := range fields {
		changes[field] = map[string]any{
			events.ChangeOld: old[field],
			events.ChangeNew: newValue,
		}
	}
	return changes
}

func stripInternal(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, internal := internalKeys[k]; internal {
			continue
		}
		out[k] = v
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
