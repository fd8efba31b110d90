package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/angelmondragon/eventflow/pkg/logger"
)

const (
	NotifyLog      = "notify.log"
	PubSubPublish  = "pubsub.publish"
	paramMessage   = "message"
	paramTopic     = "topic"
	paramData      = "data"
	paramAttrs     = "attributes"
	defaultMessage = "workflow notification"
)

// NotifyLogAction writes a structured log line for each notification.
func NotifyLogAction(logg *logger.Logger) Action {
	if logg == nil {
		logg = logger.Nop()
	}
	return ActionFunc(func(ctx context.Context, actx Context, params map[string]any) (any, error) {
		message, _ := params[paramMessage].(string)
		if message == "" {
			message = defaultMessage
		}
		fields := map[string]any{
			"action":       NotifyLog,
			"execution_id": actx.ExecutionID,
			"workflow_id":  actx.WorkflowID,
		}
		for k, v := range params {
			if k != paramMessage {
				fields["param_"+k] = v
			}
		}
		logg.Info(logg.WithFields(ctx, fields), message)
		return map[string]any{"logged": true, "message": message}, nil
	})
}

// TopicPublisher publishes one message to a named topic.
type TopicPublisher interface {
	Publish(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
}

// PubSubPublishAction publishes params["data"] as JSON to params["topic"],
// falling back to defaultTopic.
func PubSubPublishAction(publisher TopicPublisher, defaultTopic string) Action {
	return ActionFunc(func(ctx context.Context, actx Context, params map[string]any) (any, error) {
		if publisher == nil {
			return nil, fmt.Errorf("pubsub publisher not configured")
		}
		topic, _ := params[paramTopic].(string)
		if topic == "" {
			topic = defaultTopic
		}
		if topic == "" {
			return nil, fmt.Errorf("topic is required")
		}

		data, err := json.Marshal(params[paramData])
		if err != nil {
			return nil, fmt.Errorf("encode data: %w", err)
		}

		attrs := map[string]string{}
		if raw, ok := params[paramAttrs].(map[string]any); ok {
			for k, v := range raw {
				attrs[k] = fmt.Sprint(v)
			}
		}
		if actx.ExecutionID != "" {
			attrs["execution_id"] = actx.ExecutionID
		}
		if actx.WorkflowID != "" {
			attrs["workflow_id"] = actx.WorkflowID
		}

		id, err := publisher.Publish(ctx, topic, data, attrs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"message_id": id, "topic": topic}, nil
	})
}

// RegisterBuiltins registers notify.log and, when publisher is non-nil,
// pubsub.publish.
func RegisterBuiltins(r *Registry, logg *logger.Logger, publisher TopicPublisher, defaultTopic string) error {
	if err := r.Register(NotifyLog, NotifyLogAction(logg)); err != nil {
		return err
	}
	if publisher == nil {
		return nil
	}
	return r.Register(PubSubPublish, PubSubPublishAction(publisher, defaultTopic))
}
