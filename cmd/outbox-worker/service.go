package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/outbox"
)

const (
	defaultBatchSize = 50
	defaultPollMs    = 500
	maxBackoff       = 10 * time.Second
	jitterWindow     = 250 * time.Millisecond
	reportInterval   = 30 * time.Second
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type drainer interface {
	Drain(ctx context.Context, batchSize int) (outbox.Report, error)
}

type reporter interface {
	Run(ctx context.Context) error
}

type ServiceParams struct {
	Logger       *logger.Logger
	Drainer      drainer
	BatchSize    int
	PollInterval time.Duration
	Dependencies map[string]func(context.Context) error
	// Reporter, when set, runs at most once per reportInterval between passes.
	Reporter reporter
}

// Service drains the outbox in a poll loop.
type Service struct {
	logg         *logger.Logger
	drainer      drainer
	batchSize    int
	pollInterval time.Duration
	deps         map[string]func(context.Context) error
	reporter     reporter
	lastReport   time.Time
	now          func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Drainer == nil {
		return nil, errors.New("drainer is required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.PollInterval
	if interval <= 0 {
		interval = time.Duration(defaultPollMs) * time.Millisecond
	}
	return &Service{
		logg:         params.Logger,
		drainer:      params.Drainer,
		batchSize:    batch,
		pollInterval: interval,
		deps:         params.Dependencies,
		reporter:     params.Reporter,
		now:          time.Now,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for name, ping := range s.deps {
		if err := pingDependency(ctx, s.logg, name, ping); err != nil {
			return err
		}
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run drains until ctx is cancelled. A full batch is followed immediately by
// the next one; infrastructure errors back off exponentially.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	interval := s.pollInterval
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "outbox worker context canceled")
			return ctx.Err()
		default:
		}

		s.maybeReport(ctx)

		busy, err := s.processBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "outbox drain pass failed", err)
			backoff = nextBackoff(backoff, interval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = interval

		if busy {
			continue
		}

		if err := s.sleep(ctx, withJitter(interval)); err != nil {
			return err
		}
	}
}

// processBatch runs one drain pass and reports whether the batch was full.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	report, err := s.drainer.Drain(ctx, s.batchSize)
	if err != nil {
		return false, err
	}
	if report.Claimed > 0 {
		s.logg.Info(s.logg.WithFields(ctx, reportFields(report)), "outbox drain pass complete")
	}
	return report.Claimed >= s.batchSize, nil
}

func (s *Service) maybeReport(ctx context.Context) {
	if s.reporter == nil {
		return
	}
	now := s.now()
	if !s.lastReport.IsZero() && now.Sub(s.lastReport) < reportInterval {
		return
	}
	s.lastReport = now
	if err := s.reporter.Run(ctx); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "outbox backlog report failed")
	}
}

func reportFields(r outbox.Report) map[string]any {
	return map[string]any{
		"claimed":       r.Claimed,
		"processed":     r.Processed,
		"retried":       r.Retried,
		"dead_lettered": r.DeadLettered,
		"attempts":      r.Attempts,
		"no_handlers":   r.NoHandlers,
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
