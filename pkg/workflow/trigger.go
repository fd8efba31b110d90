package workflow

import (
	"context"

	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/events"
)

// Metadata keys stamped on executions started from an event.
const (
	MetadataTriggerEventID   = "trigger_event_id"
	MetadataTriggerEventName = "trigger_event_name"
)

// Trigger returns an event handler that starts def with the event payload as
// input. The event id is the correlation id, so redelivery of an event whose
// execution already completed is a no-op. A failed execution is reported as
// a retryable error so the delivery is retried.
func Trigger(engine *Engine, def Definition) events.HandlerFunc {
	return func(ctx context.Context, evt events.Event) error {
		input := make(map[string]any, len(evt.Payload))
		for k, v := range evt.Payload {
			input[k] = v
		}
		exec, err := engine.Start(ctx, def, input, StartOptions{
			CorrelationID: evt.EventID,
			Metadata: map[string]any{
				MetadataTriggerEventID:   evt.EventID,
				MetadataTriggerEventName: evt.EventName,
			},
		})
		if err != nil {
			return err
		}
		if exec.State == enums.ExecutionStateFailed {
			msg := "workflow failed"
			if exec.Error != nil {
				msg = *exec.Error
			}
			return pkgerrors.Newf(pkgerrors.CodeActionFailed, "workflow %s execution %s: %s", def.WorkflowID, exec.ExecutionID, msg)
		}
		return nil
	}
}
