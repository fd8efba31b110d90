package bigquery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/angelmondragon/eventflow/pkg/db/models"
)

// ArchiveRow is one processed event copied to the archive table.
type ArchiveRow struct {
	EventID     string
	EventType   string
	EventName   string
	Source      string
	OccurredAt  time.Time
	Payload     string
	Metadata    string
	ProcessedAt time.Time
}

var _ bigquery.ValueSaver = ArchiveRow{}

// Save implements bigquery.ValueSaver. The event id doubles as the insert id
// so retried inserts are de-duplicated.
func (r ArchiveRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"event_id":     r.EventID,
		"event_type":   r.EventType,
		"event_name":   r.EventName,
		"source":       r.Source,
		"occurred_at":  r.OccurredAt,
		"payload":      r.Payload,
		"metadata":     r.Metadata,
		"processed_at": r.ProcessedAt,
	}, r.EventID, nil
}

// ArchiveSchema is the archive table layout written by ArchiveRow.Save.
func ArchiveSchema() bigquery.Schema {
	return bigquery.Schema{
		{Name: "event_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "event_type", Type: bigquery.StringFieldType, Required: true},
		{Name: "event_name", Type: bigquery.StringFieldType, Required: true},
		{Name: "source", Type: bigquery.StringFieldType},
		{Name: "occurred_at", Type: bigquery.TimestampFieldType, Required: true},
		{Name: "payload", Type: bigquery.JSONFieldType},
		{Name: "metadata", Type: bigquery.JSONFieldType},
		{Name: "processed_at", Type: bigquery.TimestampFieldType, Required: true},
	}
}

// NewArchiveRow flattens an event row; payload and metadata become JSON text.
func NewArchiveRow(evt models.Event, processedAt time.Time) (ArchiveRow, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return ArchiveRow{}, fmt.Errorf("encode payload %s: %w", evt.EventID, err)
	}
	metadata, err := json.Marshal(evt.Metadata)
	if err != nil {
		return ArchiveRow{}, fmt.Errorf("encode metadata %s: %w", evt.EventID, err)
	}
	return ArchiveRow{
		EventID:     evt.EventID,
		EventType:   evt.EventType,
		EventName:   evt.EventName,
		Source:      evt.Source,
		OccurredAt:  evt.OccurredAt.UTC(),
		Payload:     string(payload),
		Metadata:    string(metadata),
		ProcessedAt: processedAt.UTC(),
	}, nil
}

// ArchiveEvents streams rows into the configured archive table.
func (c *Client) ArchiveEvents(ctx context.Context, rows []ArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}
	if c == nil {
		return errClientNotInitialized
	}
	batch := make([]any, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, row)
	}
	return c.InsertRows(ctx, c.table, batch)
}
