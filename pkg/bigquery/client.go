package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

const metadataCheckTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery archive table is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// Client archives processed events into one BigQuery table.
type Client struct {
	client  *bigquery.Client
	dataset *bigquery.Dataset
	table   string
	cfg     config.BigQueryConfig
	logg    *logger.Logger
}

// NewClient connects to BigQuery and makes sure the archive table is usable,
// creating it when cfg.CreateTable is set.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}
	table := strings.TrimSpace(cfg.ArchiveTable)
	if table == "" {
		return nil, errTableNameRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{
		client:  bqClient,
		dataset: bqClient.Dataset(datasetID),
		table:   table,
		cfg:     cfg,
		logg:    logg,
	}
	if err := client.ensureArchiveTable(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}
	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{"dataset": datasetID, "table": table}), "bigquery archive ready")
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// archiveTableMetadata describes the table created when none exists.
func archiveTableMetadata(cfg config.BigQueryConfig) *bigquery.TableMetadata {
	partitioning := &bigquery.TimePartitioning{
		Type:  bigquery.DayPartitioningType,
		Field: "processed_at",
	}
	if cfg.PartitionExpirationDays > 0 {
		partitioning.Expiration = time.Duration(cfg.PartitionExpirationDays) * 24 * time.Hour
	}
	return &bigquery.TableMetadata{
		Description:      "Processed eventflow events removed from the outbox by retention.",
		Schema:           ArchiveSchema(),
		TimePartitioning: partitioning,
		Clustering:       &bigquery.Clustering{Fields: []string{"event_name"}},
	}
}

func (c *Client) ensureArchiveTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}

	ref := c.dataset.Table(c.table)
	_, err := ref.Metadata(ctx)
	switch {
	case err == nil:
		return nil
	case !isNotFound(err):
		return fmt.Errorf("checking table %q: %w", c.table, err)
	case !c.cfg.CreateTable:
		return fmt.Errorf("table %q does not exist", c.table)
	}

	if err := ref.Create(ctx, archiveTableMetadata(c.cfg)); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating table %q: %w", c.table, err)
	}
	if c.logg != nil {
		c.logg.Info(c.logg.WithField(ctx, "table", c.table), "bigquery archive table created")
	}
	return nil
}

// Ping verifies the dataset and archive table are reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataCheckTimeout)
	defer cancel()
	if _, err := c.dataset.Table(c.table).Metadata(ctx); err != nil {
		return fmt.Errorf("bigquery archive table %q: %w", c.table, err)
	}
	return nil
}

// InsertRows streams rows into table. Per-row rejections are summarised in
// the returned error.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	if err := c.dataset.Table(table).Inserter().Put(ctx, rows); err != nil {
		return summarizePutError(table, len(rows), err)
	}
	return nil
}

func summarizePutError(table string, total int, err error) error {
	var multi bigquery.PutMultiError
	if !errors.As(err, &multi) || len(multi) == 0 {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	first := multi[0]
	return fmt.Errorf("insert into %s: %d of %d rows rejected (row %d: %v): %w",
		table, len(multi), total, first.RowIndex, first.Errors, err)
}

// Close releases the BigQuery client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
