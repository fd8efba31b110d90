package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventDefaults(t *testing.T) {
	evt := NewEvent(TypeEntityCreated, "manager_created", nil, WithSource("crm"))
	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, "crm", evt.Source)
	assert.NotNil(t, evt.Payload)
	assert.NotNil(t, evt.Metadata)
	assert.Equal(t, time.UTC, evt.OccurredAt.Location())
	require.NoError(t, evt.Validate())
}

func TestEventModelRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	evt := NewEvent(TypeEntityUpdated, "manager_updated", map[string]any{
		PayloadChanges:        map[string]any{"name": map[string]any{ChangeOld: "a", ChangeNew: "b"}},
		PayloadIdentification: map[string]any{"id": "p-1"},
	}, WithEventID("evt-9"), WithOccurredAt(at), WithMetadata(map[string]any{"entity_type": "Project"}))

	back := FromModel(evt.ToModel())
	assert.Equal(t, evt.EventID, back.EventID)
	assert.Equal(t, at, back.OccurredAt)
	assert.Equal(t, "p-1", back.Identification()["id"])

	oldValue, newValue, ok := back.Change("name")
	require.True(t, ok)
	assert.Equal(t, "a", oldValue)
	assert.Equal(t, "b", newValue)

	_, _, ok = back.Change("missing")
	assert.False(t, ok)
}
