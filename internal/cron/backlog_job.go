package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/metrics"
)

type statsStore interface {
	Stats(ctx context.Context) (map[enums.OutboxStatus]int64, error)
}

// NewBacklogJob reports outbox counts per status to the log and the backlog gauge.
func NewBacklogJob(logg *logger.Logger, store statsStore, drainMetrics *metrics.DrainMetrics) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if store == nil {
		return nil, fmt.Errorf("outbox store required")
	}
	return &backlogJob{logg: logg, store: store, metrics: drainMetrics}, nil
}

type backlogJob struct {
	logg    *logger.Logger
	store   statsStore
	metrics *metrics.DrainMetrics
}

func (j *backlogJob) Name() string { return "outbox-backlog" }

func (j *backlogJob) Run(ctx context.Context) error {
	stats, err := j.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("outbox stats: %w", err)
	}
	counts := make(map[string]int64, len(stats))
	fields := make(map[string]any, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
		fields[string(status)] = n
	}
	j.metrics.SetBacklog(counts)
	j.logg.Info(j.logg.WithFields(ctx, fields), "outbox backlog")
	return nil
}
