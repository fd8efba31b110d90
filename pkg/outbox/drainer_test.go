package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/metrics"
)

type harness struct {
	client   *db.Client
	store    *Store
	attempts *AttemptStore
	registry *events.Registry
	pub      *Publisher
	drainer  *Drainer
	clock    *fakeClock
}

func newHarness(t *testing.T, maxRetries int, deadLetter bool) *harness {
	t.Helper()
	client, store, clock := newTestStore(t)
	attempts := NewAttemptStore(client)
	registry := events.NewRegistry()
	drainer, err := NewDrainer(DrainerParams{
		Store:             store,
		Attempts:          attempts,
		Registry:          registry,
		Metrics:           metrics.NewDrainMetrics(prometheus.NewRegistry()),
		MaxRetries:        maxRetries,
		DeadLetterEnabled: deadLetter,
		Lease:             time.Minute,
		HandlerTimeout:    time.Second,
		RetryBackoff:      time.Second,
		MaxBackoff:        time.Minute,
		Now:               clock.Now,
	})
	require.NoError(t, err)
	return &harness{
		client:   client,
		store:    store,
		attempts: attempts,
		registry: registry,
		pub:      NewPublisher(client, store, nil),
		drainer:  drainer,
		clock:    clock,
	}
}

func (h *harness) publish(t *testing.T, evt events.Event) {
	t.Helper()
	_, err := h.pub.Publish(context.Background(), evt)
	require.NoError(t, err)
}

func (h *harness) entryStatus(t *testing.T, eventID string) enums.OutboxStatus {
	t.Helper()
	entry, err := h.store.Get(context.Background(), eventID)
	require.NoError(t, err)
	return entry.Status
}

func TestNewDrainerValidatesParams(t *testing.T) {
	_, err := NewDrainer(DrainerParams{})
	require.EqualError(t, err, "outbox store is required")

	client := openClient(t)
	_, err = NewDrainer(DrainerParams{Store: NewStore(client)})
	require.EqualError(t, err, "attempt store is required")

	_, err = NewDrainer(DrainerParams{Store: NewStore(client), Attempts: NewAttemptStore(client)})
	require.EqualError(t, err, "event registry is required")
}

func openClient(t *testing.T) *db.Client {
	client, _, _ := newTestStore(t)
	return client
}

func TestDrainCreatesOneAttemptPerRegistrationAndRedrainIsNoop(t *testing.T) {
	h := newHarness(t, 3, true)
	calls := map[string]int{}
	for _, id := range []string{"audit", "notify", "index"} {
		id := id
		h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
			calls[id]++
			return nil
		}, events.RegistrationOptions{ID: id})
	}
	h.publish(t, createdEvent("evt-n"))

	report, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Report{Claimed: 1, Processed: 1, Attempts: 3}, report)

	attempts, err := h.attempts.ListByEvent(context.Background(), "evt-n")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, enums.DeliveryStatusCompleted, a.Status)
		assert.Equal(t, 1, a.Attempts)
		assert.Equal(t, IdempotencyKey("evt-n", a.HandlerRegistrationID), a.IdempotencyKey)
	}

	again, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Report{}, again)
	assert.Equal(t, map[string]int{"audit": 1, "notify": 1, "index": 1}, calls)
}

func TestDrainProcessesUnhandledAndFilteredEvents(t *testing.T) {
	h := newHarness(t, 3, true)
	invoked := 0
	h.registry.MustRegister("manager_updated", func(_ context.Context, evt events.Event) error {
		invoked++
		return nil
	}, events.RegistrationOptions{
		When: func(evt events.Event) bool {
			_, _, ok := evt.Change("status")
			return ok
		},
	})

	h.publish(t, createdEvent("evt-created"))
	h.publish(t, updatedEvent("evt-updated"))

	report, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.NoHandlers)
	assert.Equal(t, 1, invoked)

	assert.Equal(t, enums.OutboxStatusProcessed, h.entryStatus(t, "evt-created"))
	assert.Equal(t, enums.OutboxStatusProcessed, h.entryStatus(t, "evt-updated"))

	created, err := h.attempts.ListByEvent(context.Background(), "evt-created")
	require.NoError(t, err)
	assert.Empty(t, created)
	updated, err := h.attempts.ListByEvent(context.Background(), "evt-updated")
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, enums.DeliveryStatusCompleted, updated[0].Status)
}

func TestDrainRetriesThenDeadLettersAndReplays(t *testing.T) {
	h := newHarness(t, 1, true)
	failing := true
	invocations := 0
	deadLetters := 0
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		invocations++
		if failing {
			return errors.New("downstream unavailable")
		}
		return nil
	}, events.RegistrationOptions{
		ID: "notify",
		DeadLetter: func(context.Context, events.Event, error) {
			deadLetters++
		},
	})
	h.publish(t, createdEvent("evt-dl"))
	ctx := context.Background()

	report, err := h.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	entry, err := h.store.Get(ctx, "evt-dl")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.True(t, entry.AvailableAt.After(h.clock.Now()), "requeued entry should back off")

	report, err = h.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed, "entry is not due until the backoff elapses")

	h.clock.Advance(time.Second)
	report, err = h.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, enums.OutboxStatusDeadLetter, h.entryStatus(t, "evt-dl"))
	assert.Equal(t, 1, deadLetters)
	assert.Equal(t, 2, invocations)

	attempts, err := h.attempts.ListByEvent(ctx, "evt-dl")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, enums.DeliveryStatusDeadLetter, attempts[0].Status)
	assert.Equal(t, 2, attempts[0].Attempts)
	require.NotNil(t, attempts[0].LastError)
	assert.Contains(t, *attempts[0].LastError, "downstream unavailable")
	require.NotNil(t, attempts[0].LastTraceback)

	replayer := NewReplayer(h.client, h.store, h.attempts, nil)
	replayed, err := replayer.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	entry, err = h.store.Get(ctx, "evt-dl")
	require.NoError(t, err)
	assert.Equal(t, enums.OutboxStatusPending, entry.Status)
	assert.Zero(t, entry.Attempts)
	attempts, err = h.attempts.ListByEvent(ctx, "evt-dl")
	require.NoError(t, err)
	assert.Equal(t, enums.DeliveryStatusPending, attempts[0].Status)
	assert.Zero(t, attempts[0].Attempts)

	failing = false
	report, err = h.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, enums.OutboxStatusProcessed, h.entryStatus(t, "evt-dl"))

	replayed, err = replayer.ReplayDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, replayed)
}

func TestDrainRequeuesWhenAnyHandlerStillRetryable(t *testing.T) {
	h := newHarness(t, 0, true)
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		return pkgerrors.New(pkgerrors.CodeValidation, "bad payload")
	}, events.RegistrationOptions{ID: "strict"})
	calls := 0
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		calls++
		if calls == 1 {
			return errors.New("flaky")
		}
		return nil
	}, events.RegistrationOptions{ID: "flaky"})
	h.publish(t, createdEvent("evt-mixed"))
	ctx := context.Background()

	// MaxRetries 0: any failure is final, so both attempts dead-letter.
	report, err := h.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, enums.OutboxStatusDeadLetter, h.entryStatus(t, "evt-mixed"))

	h2 := newHarness(t, 3, true)
	h2.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		return pkgerrors.New(pkgerrors.CodeValidation, "bad payload")
	}, events.RegistrationOptions{ID: "strict"})
	flaky := 0
	h2.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		flaky++
		if flaky == 1 {
			return errors.New("flaky")
		}
		return nil
	}, events.RegistrationOptions{ID: "flaky"})
	h2.publish(t, createdEvent("evt-mixed"))

	report, err = h2.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried, "a retryable failure outranks a dead letter")

	attempts, err := h2.attempts.ListByEvent(ctx, "evt-mixed")
	require.NoError(t, err)
	byID := map[string]enums.DeliveryStatus{}
	for _, a := range attempts {
		byID[a.HandlerRegistrationID] = a.Status
	}
	assert.Equal(t, enums.DeliveryStatusDeadLetter, byID["strict"], "validation errors are not retried")
	assert.Equal(t, enums.DeliveryStatusFailed, byID["flaky"])

	h2.clock.Advance(time.Minute)
	report, err = h2.drainer.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
	assert.Equal(t, 1, report.Attempts, "terminal attempts are skipped")
	assert.Equal(t, 2, flaky)
}

func TestDrainWithoutDeadLetterKeepsRequeueing(t *testing.T) {
	h := newHarness(t, 0, false)
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		return errors.New("still broken")
	}, events.RegistrationOptions{})
	h.publish(t, createdEvent("evt-nodl"))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := h.drainer.Drain(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Retried)
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, enums.OutboxStatusPending, h.entryStatus(t, "evt-nodl"))
	attempts, err := h.attempts.ListByEvent(ctx, "evt-nodl")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, enums.DeliveryStatusFailed, attempts[0].Status)
	assert.Equal(t, 3, attempts[0].Attempts)
}

func TestDrainHonoursRegistrationRetriesInline(t *testing.T) {
	h := newHarness(t, 3, true)
	calls := 0
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}, events.RegistrationOptions{Retries: 1})
	h.publish(t, createdEvent("evt-inline"))

	report, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 2, calls)
}

func drainPasses(t *testing.T, h *harness, passes int) {
	t.Helper()
	for i := 0; i < passes; i++ {
		_, err := h.drainer.Drain(context.Background(), 10)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}
}

func TestDrainDeadLettersWhenRetryOnDeclines(t *testing.T) {
	h := newHarness(t, 3, true)
	calls, deadLetters := 0, 0
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		calls++
		return errors.New("schema mismatch")
	}, events.RegistrationOptions{
		ID:         "strict",
		RetryOn:    func(error) bool { return false },
		DeadLetter: func(context.Context, events.Event, error) { deadLetters++ },
	})
	h.publish(t, createdEvent("evt-decline"))

	drainPasses(t, h, 6)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, deadLetters)
	assert.Equal(t, enums.OutboxStatusDeadLetter, h.entryStatus(t, "evt-decline"))
	attempts, err := h.attempts.ListByEvent(context.Background(), "evt-decline")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, enums.DeliveryStatusDeadLetter, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].Attempts)
}

func TestDrainCountsInlineRetriesTowardMaxRetries(t *testing.T) {
	cases := map[string]struct {
		maxRetries int
		retries    int
		wantCalls  int
	}{
		"inline retries equal budget":  {maxRetries: 3, retries: 3, wantCalls: 4},
		"inline retries exceed budget": {maxRetries: 2, retries: 5, wantCalls: 3},
		"budget spread across passes":  {maxRetries: 3, retries: 1, wantCalls: 4},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tc.maxRetries, true)
			calls := 0
			h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
				calls++
				return errors.New("downstream unavailable")
			}, events.RegistrationOptions{ID: "flaky", Retries: tc.retries})
			h.publish(t, createdEvent("evt-budget"))

			drainPasses(t, h, 8)

			assert.Equal(t, tc.wantCalls, calls)
			assert.Equal(t, enums.OutboxStatusDeadLetter, h.entryStatus(t, "evt-budget"))
			attempts, err := h.attempts.ListByEvent(context.Background(), "evt-budget")
			require.NoError(t, err)
			require.Len(t, attempts, 1)
			assert.Equal(t, calls, attempts[0].Attempts, "recorded attempts must match handler runs")
			assert.Equal(t, enums.DeliveryStatusDeadLetter, attempts[0].Status)
		})
	}
}

func TestDrainRecordsPanicTraceback(t *testing.T) {
	h := newHarness(t, 0, true)
	h.registry.MustRegister("manager_created", func(context.Context, events.Event) error {
		panic("nil map write")
	}, events.RegistrationOptions{ID: "panicky"})
	h.publish(t, createdEvent("evt-panic"))

	report, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)

	attempts, err := h.attempts.ListByEvent(context.Background(), "evt-panic")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].LastTraceback)
	assert.Contains(t, *attempts[0].LastTraceback, "goroutine")
	assert.Contains(t, *attempts[0].LastError, "nil map write")
}

func TestDrainAppliesHandlerTimeout(t *testing.T) {
	h := newHarness(t, 0, true)
	h.drainer.handlerTimeout = 10 * time.Millisecond
	h.registry.MustRegister("manager_created", func(ctx context.Context, _ events.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}, events.RegistrationOptions{})
	h.publish(t, createdEvent("evt-slow"))

	report, err := h.drainer.Drain(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeadLettered)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	h := newHarness(t, 3, true)
	assert.Equal(t, time.Second, h.drainer.backoff(1))
	assert.Equal(t, 2*time.Second, h.drainer.backoff(2))
	assert.Equal(t, 4*time.Second, h.drainer.backoff(3))
	assert.Equal(t, time.Minute, h.drainer.backoff(20))
}
