package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/eventflow/pkg/bigquery"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

const (
	outboxRetentionDays  = 30
	outboxRetentionBatch = 500
)

// OutboxRetentionJobParams wire the retention sweep.
type OutboxRetentionJobParams struct {
	Logger *logger.Logger
	Store  retentionStore
	// Archiver is optional; when nil processed events are purged without a copy.
	Archiver  archiver
	Retention int
	Batch     int
}

type retentionStore interface {
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OutboxEntry, error)
	Purge(ctx context.Context, eventIDs []string) (int64, error)
}

type archiver interface {
	ArchiveEvents(ctx context.Context, rows []bigquery.ArchiveRow) error
}

// NewOutboxRetentionJob builds the job that archives and purges processed events.
func NewOutboxRetentionJob(params OutboxRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Store == nil {
		return nil, fmt.Errorf("outbox store required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = outboxRetentionDays
	}
	batch := params.Batch
	if batch <= 0 {
		batch = outboxRetentionBatch
	}
	return &outboxRetentionJob{
		logg:      params.Logger,
		store:     params.Store,
		archiver:  params.Archiver,
		retention: retention,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type outboxRetentionJob struct {
	logg      *logger.Logger
	store     retentionStore
	archiver  archiver
	retention int
	batch     int
	now       func() time.Time
}

func (j *outboxRetentionJob) Name() string { return "outbox-retention" }

func (j *outboxRetentionJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	cutoff := now.Add(-time.Duration(j.retention) * 24 * time.Hour)

	var archived, purged int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := j.store.ListProcessedBefore(ctx, cutoff, j.batch)
		if err != nil {
			return fmt.Errorf("outbox retention: list: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		ids := make([]string, 0, len(entries))
		rows := make([]bigquery.ArchiveRow, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.EventID)
			if j.archiver == nil || entry.Event == nil {
				continue
			}
			row, err := bigquery.NewArchiveRow(*entry.Event, entry.UpdatedAt)
			if err != nil {
				return fmt.Errorf("outbox retention: %w", err)
			}
			rows = append(rows, row)
		}

		if j.archiver != nil {
			if err := j.archiver.ArchiveEvents(ctx, rows); err != nil {
				return fmt.Errorf("outbox retention: archive: %w", err)
			}
			archived += int64(len(rows))
		}

		n, err := j.store.Purge(ctx, ids)
		if err != nil {
			return fmt.Errorf("outbox retention: purge: %w", err)
		}
		purged += n

		if len(entries) < j.batch {
			break
		}
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":   cutoff.Format(time.RFC3339),
		"archived": archived,
		"purged":   purged,
	})
	j.logg.Info(logCtx, "outbox retention complete")
	return nil
}
