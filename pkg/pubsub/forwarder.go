package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/eventflow/pkg/actions"
	"github.com/angelmondragon/eventflow/pkg/events"
)

// EnvelopeVersion is bumped when Envelope changes incompatibly.
const EnvelopeVersion = 1

// ForwarderID prefixes the registration ids of forwarding handlers.
const ForwarderID = "pubsub.forward"

// Envelope is the message body relayed for each forwarded event.
type Envelope struct {
	Version    int            `json:"version"`
	EventID    string         `json:"eventId"`
	EventType  string         `json:"eventType"`
	EventName  string         `json:"eventName"`
	Source     string         `json:"source,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewEnvelope(evt events.Event) Envelope {
	return Envelope{
		Version:    EnvelopeVersion,
		EventID:    evt.EventID,
		EventType:  evt.EventType,
		EventName:  evt.EventName,
		Source:     evt.Source,
		OccurredAt: evt.OccurredAt.UTC(),
		Payload:    evt.Payload,
		Metadata:   evt.Metadata,
	}
}

// ForwardHandler relays each event to topic as a JSON envelope.
func ForwardHandler(publisher actions.TopicPublisher, topic string) events.HandlerFunc {
	return func(ctx context.Context, evt events.Event) error {
		body, err := json.Marshal(NewEnvelope(evt))
		if err != nil {
			return fmt.Errorf("encode envelope %s: %w", evt.EventID, err)
		}
		attrs := map[string]string{
			"event_id":   evt.EventID,
			"event_name": evt.EventName,
			"event_type": evt.EventType,
		}
		_, err = publisher.Publish(ctx, topic, body, attrs)
		return err
	}
}

// RegisterForwarders registers a forwarding handler for each comma-separated
// event name. Each gets the id "pubsub.forward:<event_name>".
func RegisterForwarders(reg *events.Registry, publisher actions.TopicPublisher, topic, eventNames string, retries int) ([]*events.Registration, error) {
	if publisher == nil {
		return nil, errors.New("topic publisher is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errTopicRequired
	}
	var out []*events.Registration
	for _, name := range strings.Split(eventNames, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r, err := reg.Register(name, ForwardHandler(publisher, topic), events.RegistrationOptions{
			ID:      ForwarderID + ":" + name,
			Retries: retries,
		})
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
