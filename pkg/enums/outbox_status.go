package enums

import "fmt"

// OutboxStatus tracks an outbox entry through the drain lifecycle.
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusClaimed    OutboxStatus = "claimed"
	OutboxStatusProcessed  OutboxStatus = "processed"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusDeadLetter OutboxStatus = "dead_letter"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusClaimed,
	OutboxStatusProcessed,
	OutboxStatusFailed,
	OutboxStatusDeadLetter,
}

// OutboxStatuses lists every status in lifecycle order.
func OutboxStatuses() []OutboxStatus {
	out := make([]OutboxStatus, len(validOutboxStatuses))
	copy(out, validOutboxStatuses)
	return out
}

func (s OutboxStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the entry leaves the drain loop in this status.
func (s OutboxStatus) IsTerminal() bool {
	return s == OutboxStatusProcessed || s == OutboxStatusDeadLetter
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}
