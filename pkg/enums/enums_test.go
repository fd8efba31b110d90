package enums

import "testing"

func TestParseOutboxStatus(t *testing.T) {
	for _, status := range OutboxStatuses() {
		got, err := ParseOutboxStatus(string(status))
		if err != nil {
			t.Fatalf("parse %q: %v", status, err)
		}
		if got != status {
			t.Fatalf("expected %q got %q", status, got)
		}
	}
	if _, err := ParseOutboxStatus("archived"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}

func TestTerminalStatuses(t *testing.T) {
	if !OutboxStatusProcessed.IsTerminal() || !OutboxStatusDeadLetter.IsTerminal() {
		t.Fatalf("processed and dead_letter must be terminal")
	}
	if OutboxStatusFailed.IsTerminal() || OutboxStatusClaimed.IsTerminal() {
		t.Fatalf("failed and claimed must not be terminal")
	}
	if !DeliveryStatusCompleted.IsTerminal() || DeliveryStatusFailed.IsTerminal() {
		t.Fatalf("unexpected delivery terminal flags")
	}
}

func TestParseMutationAction(t *testing.T) {
	got, err := ParseMutationAction(" Update ")
	if err != nil || got != MutationUpdate {
		t.Fatalf("expected update, got %q err=%v", got, err)
	}
	if _, err := ParseMutationAction("upsert"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
	if ExecutionState("paused").IsValid() {
		t.Fatalf("paused is not a valid execution state")
	}
	if _, err := ParseDeliveryStatus("running"); err != nil {
		t.Fatalf("running should parse: %v", err)
	}
	if _, err := ParseExecutionState("cancelled"); err != nil {
		t.Fatalf("cancelled should parse: %v", err)
	}
}
