package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/metrics"
)

const (
	defaultLease        = 5 * time.Minute
	defaultRetryBackoff = 5 * time.Second
	defaultMaxBackoff   = 10 * time.Minute
	tracerName          = "github.com/angelmondragon/eventflow/pkg/outbox"
)

// Report summarises one drain pass.
type Report struct {
	Claimed      int
	Processed    int
	Retried      int
	DeadLettered int
	Attempts     int // handler invocations, in-line retries included
	NoHandlers   int
}

type DrainerParams struct {
	Store             *Store
	Attempts          *AttemptStore
	Registry          *events.Registry
	Logger            *logger.Logger
	Metrics           *metrics.DrainMetrics
	Tracer            trace.Tracer
	MaxRetries        int
	DeadLetterEnabled bool
	Lease             time.Duration
	HandlerTimeout    time.Duration
	RetryBackoff      time.Duration
	MaxBackoff        time.Duration
	Now               func() time.Time
}

// Drainer delivers claimed outbox entries to the registry's handlers.
type Drainer struct {
	store          *Store
	attempts       *AttemptStore
	registry       *events.Registry
	logg           *logger.Logger
	metrics        *metrics.DrainMetrics
	tracer         trace.Tracer
	maxRetries     int
	deadLetter     bool
	lease          time.Duration
	handlerTimeout time.Duration
	retryBackoff   time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

func NewDrainer(params DrainerParams) (*Drainer, error) {
	if params.Store == nil {
		return nil, errors.New("outbox store is required")
	}
	if params.Attempts == nil {
		return nil, errors.New("attempt store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	if params.MaxRetries < 0 {
		return nil, errors.New("max retries must be non-negative")
	}
	d := &Drainer{
		store:          params.Store,
		attempts:       params.Attempts,
		registry:       params.Registry,
		logg:           params.Logger,
		metrics:        params.Metrics,
		tracer:         params.Tracer,
		maxRetries:     params.MaxRetries,
		deadLetter:     params.DeadLetterEnabled,
		lease:          params.Lease,
		handlerTimeout: params.HandlerTimeout,
		retryBackoff:   params.RetryBackoff,
		maxBackoff:     params.MaxBackoff,
		now:            params.Now,
	}
	if d.logg == nil {
		d.logg = logger.Nop()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	if d.lease <= 0 {
		d.lease = defaultLease
	}
	if d.retryBackoff <= 0 {
		d.retryBackoff = defaultRetryBackoff
	}
	if d.maxBackoff < d.retryBackoff {
		d.maxBackoff = defaultMaxBackoff
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	d.store.now = d.now
	return d, nil
}

// Drain claims up to batchSize entries and delivers each to its matching
// handlers. Handler failures are recorded, never returned; only storage
// failures abort the pass.
func (d *Drainer) Drain(ctx context.Context, batchSize int) (Report, error) {
	var report Report
	started := time.Now()
	ctx, span := d.tracer.Start(ctx, "outbox.drain", trace.WithAttributes(
		attribute.Int("outbox.batch_size", batchSize),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("outbox.claimed", report.Claimed),
			attribute.Int("outbox.processed", report.Processed),
			attribute.Int("outbox.retried", report.Retried),
			attribute.Int("outbox.dead_lettered", report.DeadLettered),
		)
		span.End()
		d.metrics.ObserveDrain(time.Since(started))
	}()

	entries, err := d.store.ClaimBatch(ctx, batchSize, d.lease)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return report, err
	}
	report.Claimed = len(entries)
	d.metrics.AddClaimed(len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := d.processEntry(ctx, entry, &report); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "entry failed")
			return report, err
		}
	}
	return report, nil
}

func (d *Drainer) processEntry(ctx context.Context, entry models.OutboxEntry, report *Report) error {
	ctx, span := d.tracer.Start(ctx, "outbox.entry", trace.WithAttributes(
		attribute.String("event.id", entry.EventID),
	))
	defer span.End()
	logCtx := d.logg.WithEventID(ctx, entry.EventID)

	row, err := d.store.LoadEvent(ctx, entry.EventID)
	if err != nil {
		if db.IsNotFound(err) {
			d.logg.Warn(logCtx, "outbox entry has no event row")
			return d.finish(logCtx, entry, enums.OutboxStatusDeadLetter, "event row missing", report)
		}
		return fmt.Errorf("load event %s: %w", entry.EventID, err)
	}
	evt := events.FromModel(*row)
	span.SetAttributes(attribute.String("event.name", evt.EventName))
	logCtx = d.logg.WithField(logCtx, "event_name", evt.EventName)

	regs := d.registry.Matching(evt)
	if len(regs) == 0 {
		report.NoHandlers++
		d.logg.Info(logCtx, "no handlers registered for event")
		return d.finish(logCtx, entry, enums.OutboxStatusProcessed, "", report)
	}

	var (
		anyFailed bool
		anyDead   bool
		failures  []string
	)
	for _, reg := range regs {
		status, lastErr, err := d.deliver(ctx, evt, reg, report)
		if err != nil {
			return err
		}
		switch status {
		case enums.DeliveryStatusFailed:
			anyFailed = true
			failures = append(failures, reg.ID()+": "+lastErr)
		case enums.DeliveryStatusDeadLetter:
			anyDead = true
			failures = append(failures, reg.ID()+": "+lastErr)
		}
	}

	lastErr := strings.Join(failures, "; ")
	switch {
	case anyFailed:
		return d.requeue(logCtx, entry, lastErr, report)
	case anyDead:
		return d.finish(logCtx, entry, enums.OutboxStatusDeadLetter, lastErr, report)
	default:
		return d.finish(logCtx, entry, enums.OutboxStatusProcessed, "", report)
	}
}

// deliver runs one registration against evt and returns the attempt's
// resulting status with its error text.
func (d *Drainer) deliver(ctx context.Context, evt events.Event, reg *events.Registration, report *Report) (enums.DeliveryStatus, string, error) {
	attempt, err := d.attempts.FindOrCreate(ctx, evt.EventID, reg.ID())
	if err != nil {
		return "", "", err
	}
	if attempt.Status.IsTerminal() {
		return attempt.Status, deref(attempt.LastError), nil
	}
	ok, err := d.attempts.MarkRunning(ctx, attempt.ID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		current, err := d.attempts.FindOrCreate(ctx, evt.EventID, reg.ID())
		if err != nil {
			return "", "", err
		}
		return current.Status, deref(current.LastError), nil
	}

	ctx, span := d.tracer.Start(ctx, "outbox.handler", trace.WithAttributes(
		attribute.String("handler.registration_id", reg.ID()),
	))
	defer span.End()

	handlerCtx := ctx
	if d.handlerTimeout > 0 {
		var cancel context.CancelFunc
		handlerCtx, cancel = context.WithTimeout(ctx, d.handlerTimeout)
		defer cancel()
	}
	invocations, herr := reg.DeliverWithin(handlerCtx, evt, d.invocationBudget(attempt.Attempts))
	report.Attempts += invocations
	n := attempt.Attempts + invocations

	if herr == nil {
		d.metrics.IncAttempt(reg.ID(), "ok")
		if err := d.attempts.MarkCompleted(ctx, attempt.ID, n); err != nil {
			return "", "", err
		}
		return enums.DeliveryStatusCompleted, "", nil
	}

	d.metrics.IncAttempt(reg.ID(), "error")
	span.RecordError(herr)
	span.SetStatus(codes.Error, "handler failed")

	status := enums.DeliveryStatusFailed
	if d.deadLetter && (n > d.maxRetries || !pkgerrors.IsRetryable(herr) || !reg.ShouldRetry(herr)) {
		status = enums.DeliveryStatusDeadLetter
	}
	message := herr.Error()
	if err := d.attempts.MarkFailed(ctx, attempt.ID, n, status, message, traceback(herr)); err != nil {
		return "", "", err
	}

	logCtx := d.logg.WithFields(ctx, map[string]any{
		"event_id":        evt.EventID,
		"registration_id": reg.ID(),
		"attempts":        n,
		"status":          status,
	})
	if status == enums.DeliveryStatusDeadLetter {
		d.logg.Error(logCtx, "handler dead-lettered", herr)
		reg.NotifyDeadLetter(ctx, evt, herr)
	} else {
		d.logg.Warn(logCtx, "handler failed; will retry")
	}
	return status, message, nil
}

// invocationBudget caps the in-line retries of one pass so an attempt never
// runs its handler more than maxRetries+1 times before dead-lettering.
// Without dead-lettering each pass gets the full allowance.
func (d *Drainer) invocationBudget(used int) int {
	if !d.deadLetter {
		return d.maxRetries + 1
	}
	return d.maxRetries + 1 - used
}

func (d *Drainer) finish(ctx context.Context, entry models.OutboxEntry, status enums.OutboxStatus, lastErr string, report *Report) error {
	err := d.store.Complete(ctx, entry, status, lastErr)
	if errors.Is(err, ErrClaimLost) {
		d.logg.Warn(ctx, "outbox claim lost before completion")
		d.metrics.IncEntry(metrics.OutcomeClaimLost)
		return nil
	}
	if err != nil {
		return err
	}
	switch status {
	case enums.OutboxStatusDeadLetter:
		report.DeadLettered++
		d.metrics.IncEntry(metrics.OutcomeDeadLettered)
	default:
		report.Processed++
		d.metrics.IncEntry(metrics.OutcomeProcessed)
	}
	return nil
}

func (d *Drainer) requeue(ctx context.Context, entry models.OutboxEntry, lastErr string, report *Report) error {
	delay := d.backoff(entry.Attempts + 1)
	err := d.store.Requeue(ctx, entry, d.now().Add(delay), lastErr)
	if errors.Is(err, ErrClaimLost) {
		d.logg.Warn(ctx, "outbox claim lost before requeue")
		d.metrics.IncEntry(metrics.OutcomeClaimLost)
		return nil
	}
	if err != nil {
		return err
	}
	report.Retried++
	d.metrics.IncEntry(metrics.OutcomeRetried)
	d.logg.Info(d.logg.WithField(ctx, "retry_in", delay.String()), "outbox entry requeued")
	return nil
}

// backoff doubles the base delay per failed pass, capped at maxBackoff.
func (d *Drainer) backoff(pass int) time.Duration {
	delay := d.retryBackoff
	for i := 1; i < pass; i++ {
		delay *= 2
		if delay >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return delay
}

func traceback(err error) string {
	var panicErr *events.PanicError
	if errors.As(err, &panicErr) {
		return string(panicErr.Stack)
	}
	return pkgerrors.Dump(err).Traceback()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
