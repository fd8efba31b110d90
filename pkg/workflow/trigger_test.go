package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/events"
)

func TestTriggerStartsWorkflowOncePerEvent(t *testing.T) {
	engine, _ := newEngine(t, false, nil)
	var runs atomic.Int32
	require.NoError(t, engine.Handlers().Register("notify", func(_ context.Context, hc HandlerContext, input map[string]any) (map[string]any, error) {
		runs.Add(1)
		return map[string]any{"status": input["status"]}, nil
	}))

	reg := events.NewRegistry()
	_, err := reg.Register("project_status_changed", Trigger(engine, Definition{WorkflowID: "status-notify", Handler: "notify"}), events.RegistrationOptions{})
	require.NoError(t, err)

	evt := events.NewEvent(events.TypeEntityUpdated, "project_status_changed", map[string]any{"status": "done"}, events.WithEventID("evt-42"))
	ok, err := reg.Publish(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, ok)

	// direct redelivery bypasses the seen-set and hits the correlation id
	require.NoError(t, Trigger(engine, Definition{WorkflowID: "status-notify", Handler: "notify"})(context.Background(), evt))
	assert.EqualValues(t, 1, runs.Load())

	exec, err := engine.repo.FindCompleted(context.Background(), "status-notify", "evt-42")
	require.NoError(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, enums.ExecutionStateCompleted, exec.State)
	assert.Equal(t, "evt-42", exec.Metadata[MetadataTriggerEventID])
	assert.Equal(t, "done", exec.OutputData["status"])
}

func TestTriggerReportsFailedExecution(t *testing.T) {
	engine, _ := newEngine(t, false, nil)
	require.NoError(t, engine.Handlers().Register("broken", func(context.Context, HandlerContext, map[string]any) (map[string]any, error) {
		return nil, errors.New("smtp down")
	}))

	var deadLettered atomic.Int32
	reg := events.NewRegistry()
	_, err := reg.Register("project_status_changed", Trigger(engine, Definition{WorkflowID: "status-notify", Handler: "broken"}), events.RegistrationOptions{
		Retries:    1,
		DeadLetter: func(context.Context, events.Event, error) { deadLettered.Add(1) },
	})
	require.NoError(t, err)

	ok, err := reg.Publish(context.Background(), events.NewEvent(events.TypeEntityUpdated, "project_status_changed", nil))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 1, deadLettered.Load())
}
