package enums

import (
	"fmt"
	"strings"
)

// MutationAction names the kind of persistence change reported by the host layer.
type MutationAction string

const (
	MutationCreate MutationAction = "create"
	MutationUpdate MutationAction = "update"
	MutationDelete MutationAction = "delete"
)

var validMutationActions = []MutationAction{
	MutationCreate,
	MutationUpdate,
	MutationDelete,
}

func (a MutationAction) IsValid() bool {
	for _, candidate := range validMutationActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseMutationAction accepts the canonical names case-insensitively.
func ParseMutationAction(value string) (MutationAction, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range validMutationActions {
		if string(candidate) == normalized {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid mutation action %q", value)
}
