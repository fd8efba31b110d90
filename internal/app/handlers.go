package app

import (
	"context"

	"github.com/angelmondragon/eventflow/pkg/actions"
	"github.com/angelmondragon/eventflow/pkg/workflow"
)

// HandlerNotify is the built-in workflow handler that logs its input through
// the notify.log action.
const HandlerNotify = "notify"

func registerBuiltinHandlers(reg *workflow.HandlerRegistry) error {
	return reg.Register(HandlerNotify, func(ctx context.Context, hc workflow.HandlerContext, input map[string]any) (map[string]any, error) {
		message := "workflow notification"
		if hc.Execution != nil {
			message = "workflow " + hc.Execution.WorkflowID
		}
		params := map[string]any{"message": message, "data": input}
		if _, err := hc.Execute(ctx, actions.NotifyLog, params); err != nil {
			return nil, err
		}
		return map[string]any{"notified": true}, nil
	})
}
