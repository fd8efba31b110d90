package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/db/dbtest"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/outbox"
)

func testConfig(mode string) *config.Config {
	return &config.Config{
		Workflow: config.WorkflowConfig{
			Mode:              mode,
			SignalBridge:      true,
			MaxRetries:        0,
			DeadLetterEnabled: true,
			ExecutorWorkers:   1,
			Triggers:          "manager_created=onboarding:notify",
		},
	}
}

func TestAssembleProductionRoutesMutationsThroughOutbox(t *testing.T) {
	client := dbtest.Open(t)
	a, err := Assemble(testConfig(config.WorkflowModeProduction), logger.Nop(), Deps{DB: client}, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, isOutbox := a.Publisher.(*outbox.Publisher)
	require.True(t, isOutbox)
	_, found := a.Events.Lookup("workflow:onboarding:manager_created")
	require.True(t, found)

	ctx := context.Background()
	require.NoError(t, a.Bridge.Notify(ctx, "manager", map[string]any{"id": 1}, "create", map[string]any{"name": "Ada"}, map[string]any{"event_id": "evt-app-1"}))

	stats, err := a.Store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats[enums.OutboxStatusPending])

	report, err := a.Drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Attempts)

	exec, err := a.Engine.Status(ctx, executionFor(t, a, "evt-app-1").ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, enums.ExecutionStateCompleted, exec.State)
	assert.Equal(t, true, exec.OutputData["notified"])
}

func executionFor(t *testing.T, a *App, correlationID string) models.Execution {
	t.Helper()
	var row models.Execution
	require.NoError(t, a.DB.DB().Where("correlation_id = ?", correlationID).Take(&row).Error)
	return row
}

func TestAssembleLocalPublishesInProcess(t *testing.T) {
	client := dbtest.Open(t)
	a, err := Assemble(testConfig(config.WorkflowModeLocal), nil, Deps{DB: client}, nil)
	require.NoError(t, err)

	_, isRegistry := a.Publisher.(*events.Registry)
	require.True(t, isRegistry)

	ctx := context.Background()
	require.NoError(t, a.Bridge.Notify(ctx, "manager", map[string]any{"id": 2}, "create", nil, map[string]any{"event_id": "evt-local"}))

	stats, err := a.Store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[enums.OutboxStatusPending])
	assert.Equal(t, "onboarding", executionFor(t, a, "evt-local").WorkflowID)
}

func TestAssembleRejectsBadTriggers(t *testing.T) {
	cfg := testConfig(config.WorkflowModeLocal)
	cfg.Workflow.Triggers = "broken"
	_, err := Assemble(cfg, nil, Deps{DB: dbtest.Open(t)}, nil)
	assert.Error(t, err)

	_, err = Assemble(cfg, nil, Deps{}, nil)
	assert.EqualError(t, err, "database client is required")
}

func TestParseTriggers(t *testing.T) {
	got, err := ParseTriggers(" a=wf-a , b=wf-b:custom,, ")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].EventName)
	assert.Equal(t, "wf-a", got[0].Definition.Handler)
	assert.Equal(t, "custom", got[1].Definition.Handler)

	for _, bad := range []string{"=wf", "a=", "a=:h", "noequals"} {
		_, err := ParseTriggers(bad)
		assert.Error(t, err, bad)
	}
}
