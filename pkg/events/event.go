package events

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/angelmondragon/eventflow/pkg/db/models"
	dbtypes "github.com/angelmondragon/eventflow/pkg/db/types"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
)

// Coarse event categories emitted by the signal bridge.
const (
	TypeEntityCreated = "entity.created"
	TypeEntityUpdated = "entity.updated"
	TypeEntityDeleted = "entity.deleted"
)

// Payload keys with a fixed meaning.
const (
	PayloadChanges        = "changes"
	PayloadIdentification = "identification"
	ChangeOld             = "old"
	ChangeNew             = "new"
)

// Event is an immutable record of something that happened.
type Event struct {
	EventID    string         `json:"event_id" validate:"required,max=255"`
	EventType  string         `json:"event_type" validate:"required,max=255"`
	EventName  string         `json:"event_name" validate:"required,max=255"`
	Source     string         `json:"source,omitempty" validate:"max=255"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// EventOption customizes an event built by NewEvent.
type EventOption func(*Event)

// WithEventID overrides the generated id.
func WithEventID(id string) EventOption {
	return func(e *Event) { e.EventID = id }
}

// WithSource sets the producer name.
func WithSource(source string) EventOption {
	return func(e *Event) { e.Source = source }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(metadata map[string]any) EventOption {
	return func(e *Event) { e.Metadata = metadata }
}

// WithOccurredAt overrides the occurrence timestamp.
func WithOccurredAt(at time.Time) EventOption {
	return func(e *Event) { e.OccurredAt = at.UTC() }
}

// NewEvent builds an event with a fresh id stamped now.
func NewEvent(eventType, eventName string, payload map[string]any, opts ...EventOption) Event {
	evt := Event{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
	for _, opt := range opts {
		opt(&evt)
	}
	if evt.Payload == nil {
		evt.Payload = map[string]any{}
	}
	if evt.Metadata == nil {
		evt.Metadata = map[string]any{}
	}
	return evt
}

var validate = validator.New()

// Validate reports a VALIDATION_ERROR when required fields are missing.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("invalid event %q", e.EventID))
	}
	return nil
}

// Changes returns the update diff carried in the payload, if any.
func (e Event) Changes() map[string]any {
	changes, _ := e.Payload[PayloadChanges].(map[string]any)
	return changes
}

// Change returns the old and new value recorded for field.
func (e Event) Change(field string) (oldValue, newValue any, ok bool) {
	entry, found := e.Changes()[field].(map[string]any)
	if !found {
		return nil, nil, false
	}
	return entry[ChangeOld], entry[ChangeNew], true
}

// Identification returns the identification map of the mutated entity.
func (e Event) Identification() map[string]any {
	ident, _ := e.Payload[PayloadIdentification].(map[string]any)
	return ident
}

// ToModel converts the event into its persisted row.
func (e Event) ToModel() models.Event {
	occurred := e.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return models.Event{
		EventID:    e.EventID,
		EventType:  e.EventType,
		EventName:  e.EventName,
		Source:     e.Source,
		OccurredAt: occurred.UTC(),
		Payload:    dbtypes.JSONMap(e.Payload).Clone(),
		Metadata:   dbtypes.JSONMap(e.Metadata).Clone(),
	}
}

// FromModel rebuilds an event from its persisted row.
func FromModel(m models.Event) Event {
	return Event{
		EventID:    m.EventID,
		EventType:  m.EventType,
		EventName:  m.EventName,
		Source:     m.Source,
		OccurredAt: m.OccurredAt.UTC(),
		Payload:    map[string]any(m.Payload),
		Metadata:   map[string]any(m.Metadata),
	}
}
