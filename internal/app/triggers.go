package app

import (
	"fmt"
	"strings"

	"github.com/angelmondragon/eventflow/pkg/workflow"
)

// Trigger binds an event name to the workflow it starts.
type Trigger struct {
	EventName  string
	Definition workflow.Definition
}

// ParseTriggers reads "event=workflow[:handler]" pairs separated by commas.
// A missing handler defaults to the workflow id.
func ParseTriggers(raw string) ([]Trigger, error) {
	var out []Trigger
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eventName, target, ok := strings.Cut(part, "=")
		eventName = strings.TrimSpace(eventName)
		target = strings.TrimSpace(target)
		if !ok || eventName == "" || target == "" {
			return nil, fmt.Errorf("invalid workflow trigger %q", part)
		}
		workflowID, handler, _ := strings.Cut(target, ":")
		workflowID = strings.TrimSpace(workflowID)
		handler = strings.TrimSpace(handler)
		if workflowID == "" {
			return nil, fmt.Errorf("invalid workflow trigger %q", part)
		}
		if handler == "" {
			handler = workflowID
		}
		out = append(out, Trigger{
			EventName:  eventName,
			Definition: workflow.Definition{WorkflowID: workflowID, Handler: handler},
		})
	}
	return out, nil
}
