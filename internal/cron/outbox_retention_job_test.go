package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/eventflow/pkg/bigquery"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRetentionStore struct {
	pending    []models.OutboxEntry
	lastCutoff time.Time
	limits     []int
	purged     [][]string
	listErr    error
	purgeErr   error
}

func (f *fakeRetentionStore) ListProcessedBefore(_ context.Context, cutoff time.Time, limit int) ([]models.OutboxEntry, error) {
	f.lastCutoff = cutoff
	f.limits = append(f.limits, limit)
	if f.listErr != nil {
		return nil, f.listErr
	}
	n := limit
	if n > len(f.pending) {
		n = len(f.pending)
	}
	return append([]models.OutboxEntry(nil), f.pending[:n]...), nil
}

func (f *fakeRetentionStore) Purge(_ context.Context, ids []string) (int64, error) {
	if f.purgeErr != nil {
		return 0, f.purgeErr
	}
	f.purged = append(f.purged, ids)
	f.pending = f.pending[len(ids):]
	return int64(len(ids)), nil
}

type fakeArchiver struct {
	rows []bigquery.ArchiveRow
	err  error
}

func (f *fakeArchiver) ArchiveEvents(_ context.Context, rows []bigquery.ArchiveRow) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func processedEntry(id string) models.OutboxEntry {
	return models.OutboxEntry{
		EventID:   id,
		Status:    enums.OutboxStatusProcessed,
		UpdatedAt: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		Event: &models.Event{
			EventID:   id,
			EventType: "entity.created",
			EventName: "manager_created",
		},
	}
}

func newRetentionJob(t *testing.T, store retentionStore, arch archiver, batch int) *outboxRetentionJob {
	t.Helper()
	params := OutboxRetentionJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Store:  store,
		Batch:  batch,
	}
	if arch != nil {
		params.Archiver = arch
	}
	jobIface, err := NewOutboxRetentionJob(params)
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job, ok := jobIface.(*outboxRetentionJob)
	if !ok {
		t.Fatalf("expected outboxRetentionJob, got %T", jobIface)
	}
	return job
}

func TestOutboxRetentionJobArchivesThenPurgesInBatches(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	store := &fakeRetentionStore{pending: []models.OutboxEntry{
		processedEntry("a"), processedEntry("b"), processedEntry("c"),
	}}
	arch := &fakeArchiver{}
	job := newRetentionJob(t, store, arch, 2)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	expectedCutoff := now.Add(-outboxRetentionDays * 24 * time.Hour)
	if !store.lastCutoff.Equal(expectedCutoff) {
		t.Fatalf("expected cutoff %s, got %s", expectedCutoff, store.lastCutoff)
	}
	if len(store.purged) != 2 || len(store.purged[0]) != 2 || len(store.purged[1]) != 1 {
		t.Fatalf("unexpected purge batches %v", store.purged)
	}
	if len(arch.rows) != 3 || arch.rows[0].EventID != "a" {
		t.Fatalf("expected 3 archived rows, got %+v", arch.rows)
	}
	if len(store.pending) != 0 {
		t.Fatalf("expected all entries purged, %d left", len(store.pending))
	}
}

func TestOutboxRetentionJobWithoutArchiverOnlyPurges(t *testing.T) {
	store := &fakeRetentionStore{pending: []models.OutboxEntry{processedEntry("a")}}
	job := newRetentionJob(t, store, nil, 10)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.purged) != 1 {
		t.Fatalf("expected one purge, got %d", len(store.purged))
	}
}

func TestOutboxRetentionJobKeepsRowsWhenArchiveFails(t *testing.T) {
	store := &fakeRetentionStore{pending: []models.OutboxEntry{processedEntry("a")}}
	job := newRetentionJob(t, store, &fakeArchiver{err: errors.New("quota")}, 10)

	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected archive error")
	}
	if len(store.purged) != 0 {
		t.Fatalf("rows must not be purged after a failed archive")
	}
}

func TestOutboxRetentionJobPropagatesListError(t *testing.T) {
	job := newRetentionJob(t, &fakeRetentionStore{listErr: errors.New("boom")}, nil, 0)
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewOutboxRetentionJobRequiresStore(t *testing.T) {
	if _, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing store error")
	}
}

type fakeStats map[enums.OutboxStatus]int64

func (f fakeStats) Stats(context.Context) (map[enums.OutboxStatus]int64, error) { return f, nil }

func TestBacklogJobSetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	drainMetrics := metrics.NewDrainMetrics(reg)
	job, err := NewBacklogJob(logger.Nop(), fakeStats{
		enums.OutboxStatusPending:    4,
		enums.OutboxStatusDeadLetter: 1,
	}, drainMetrics)
	if err != nil {
		t.Fatalf("NewBacklogJob: %v", err)
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := testutil.CollectAndCount(reg, "eventflow_outbox_entries"); n != 2 {
		t.Fatalf("expected 2 backlog series, got %d", n)
	}
}
