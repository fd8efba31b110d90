package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/events"
)

type recordingPublisher struct {
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) (bool, error) {
	if p.err != nil {
		return false, p.err
	}
	p.events = append(p.events, evt)
	return true, nil
}

type fakeHistory struct {
	values map[string]any
	err    error
	asked  []string
}

func (h *fakeHistory) PreviousValues(_ context.Context, _ string, _ map[string]any, fields []string) (map[string]any, error) {
	h.asked = fields
	return h.values, h.err
}

func newBridge(t *testing.T, pub events.Publisher, history HistoryReader) *Bridge {
	t.Helper()
	b, err := New(Params{Publisher: pub, History: history, Enabled: true})
	require.NoError(t, err)
	return b
}

func TestCreateEmitsManagerCreated(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, nil)

	err := b.OnMutation(context.Background(), Mutation{
		EntityType:     "Project",
		Identification: map[string]any{"id": 7},
		Action:         enums.MutationCreate,
		Changes:        map[string]any{"name": "Apollo", "creator_id": 3, "history_comment": "import"},
		Metadata:       map[string]any{"signal_name": "post_save", "request_id": "r-1"},
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	evt := pub.events[0]
	assert.Equal(t, EventManagerCreated, evt.EventName)
	assert.Equal(t, events.TypeEntityCreated, evt.EventType)
	assert.Equal(t, DefaultSource, evt.Source)
	assert.Equal(t, "Apollo", evt.Payload["name"])
	assert.NotContains(t, evt.Payload, "creator_id")
	assert.NotContains(t, evt.Payload, "history_comment")
	assert.Equal(t, map[string]any{"id": 7}, evt.Identification())
	assert.NotContains(t, evt.Metadata, "signal_name")
	assert.Equal(t, "r-1", evt.Metadata["request_id"])
	assert.Equal(t, "Project", evt.Metadata["entity_type"])
}

func TestUpdateBuildsChangesWithHistoryFallback(t *testing.T) {
	pub := &recordingPublisher{}
	history := &fakeHistory{values: map[string]any{"status": "draft"}}
	b := newBridge(t, pub, history)

	err := b.OnMutation(context.Background(), Mutation{
		EntityType:     "Project",
		Identification: map[string]any{"id": 7},
		Action:         enums.MutationUpdate,
		Changes:        map[string]any{"status": "active", "owner": "ana", "name": "Apollo II", "bypass_permissions": true},
		Previous:       map[string]any{"name": "Apollo"},
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)

	evt := pub.events[0]
	assert.Equal(t, EventManagerUpdated, evt.EventName)
	assert.Equal(t, events.TypeEntityUpdated, evt.EventType)
	assert.Equal(t, []string{"owner", "status"}, history.asked)

	oldValue, newValue, ok := evt.Change("status")
	require.True(t, ok)
	assert.Equal(t, "draft", oldValue)
	assert.Equal(t, "active", newValue)

	oldValue, _, ok = evt.Change("name")
	require.True(t, ok)
	assert.Equal(t, "Apollo", oldValue)

	oldValue, newValue, ok = evt.Change("owner")
	require.True(t, ok, "fields with unknown old value are still included")
	assert.Nil(t, oldValue)
	assert.Equal(t, "ana", newValue)

	_, _, ok = evt.Change("bypass_permissions")
	assert.False(t, ok)
}

func TestUpdateHistoryFailureKeepsNilOld(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, &fakeHistory{err: errors.New("audit offline")})

	require.NoError(t, b.OnMutation(context.Background(), Mutation{
		EntityType: "Project",
		Action:     enums.MutationUpdate,
		Changes:    map[string]any{"status": "active"},
	}))
	oldValue, newValue, ok := pub.events[0].Change("status")
	require.True(t, ok)
	assert.Nil(t, oldValue)
	assert.Equal(t, "active", newValue)
}

func TestDeleteCarriesOnlyIdentification(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, nil)

	require.NoError(t, b.OnMutation(context.Background(), Mutation{
		EntityType:     "Project",
		Identification: map[string]any{"id": 7},
		Action:         enums.MutationDelete,
		Changes:        map[string]any{"name": "ignored"},
	}))
	evt := pub.events[0]
	assert.Equal(t, EventManagerDeleted, evt.EventName)
	assert.Equal(t, events.TypeEntityDeleted, evt.EventType)
	assert.Equal(t, map[string]any{events.PayloadIdentification: map[string]any{"id": 7}}, evt.Payload)
}

func TestEmptyRelevantFieldsIsNoop(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, nil)

	for _, action := range []enums.MutationAction{enums.MutationCreate, enums.MutationUpdate} {
		require.NoError(t, b.OnMutation(context.Background(), Mutation{
			EntityType: "Project",
			Action:     action,
			Changes:    map[string]any{"creator_id": 1, "ignore_permission": true},
		}))
	}
	assert.Empty(t, pub.events)
}

func TestMetadataEventIDPinsEvent(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, nil)

	require.NoError(t, b.OnMutation(context.Background(), Mutation{
		EntityType: "Project",
		Action:     enums.MutationDelete,
		Metadata:   map[string]any{MetadataEventID: "evt-fixed"},
	}))
	assert.Equal(t, "evt-fixed", pub.events[0].EventID)
	assert.NotContains(t, pub.events[0].Metadata, MetadataEventID)
}

func TestNotifyParsesAction(t *testing.T) {
	pub := &recordingPublisher{}
	b := newBridge(t, pub, nil)

	require.NoError(t, b.Notify(context.Background(), "Project", map[string]any{"id": 1}, "DELETE", nil, nil))
	assert.Len(t, pub.events, 1)

	err := b.Notify(context.Background(), "Project", nil, "archive", nil, nil)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestDisabledBridgeIsNoop(t *testing.T) {
	b, err := New(Params{Enabled: false})
	require.NoError(t, err)
	assert.False(t, b.Enabled())
	assert.NoError(t, b.OnMutation(context.Background(), Mutation{EntityType: "Project", Action: enums.MutationCreate, Changes: map[string]any{"a": 1}}))

	_, err = New(Params{Enabled: true})
	assert.Error(t, err, "enabled bridge requires a publisher")
}

func TestPublishErrorSurfaces(t *testing.T) {
	b := newBridge(t, &recordingPublisher{err: errors.New("db down")}, nil)
	err := b.OnMutation(context.Background(), Mutation{EntityType: "Project", Action: enums.MutationDelete})
	assert.Error(t, err)
}

func TestBridgeIntoRegistry(t *testing.T) {
	reg := events.NewRegistry()
	var got events.Event
	reg.MustRegister(EventManagerUpdated, func(_ context.Context, evt events.Event) error {
		got = evt
		return nil
	}, events.RegistrationOptions{
		When: func(evt events.Event) bool {
			_, newValue, ok := evt.Change("status")
			return ok && newValue == "active"
		},
	})

	b := newBridge(t, reg, nil)
	require.NoError(t, b.OnMutation(context.Background(), Mutation{
		EntityType: "Project",
		Action:     enums.MutationUpdate,
		Changes:    map[string]any{"status": "active"},
		Previous:   map[string]any{"status": "draft"},
	}))
	assert.Equal(t, EventManagerUpdated, got.EventName)
}
