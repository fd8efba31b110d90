package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/events"
)

const maxErrorLen = 1024

// ErrClaimLost is returned when an entry is no longer held by the caller's
// claim token, usually because its lease expired and another worker took it.
var ErrClaimLost = errors.New("outbox claim lost")

// Store persists events and their outbox entries.
type Store struct {
	db  *db.Client
	now func() time.Time
}

func NewStore(client *db.Client) *Store {
	return &Store{db: client, now: func() time.Time { return time.Now().UTC() }}
}

// Insert writes the event row and a pending outbox entry through the unit of
// work carried by ctx. It reports false when the event id already existed.
func (s *Store) Insert(ctx context.Context, evt events.Event) (bool, error) {
	conn := s.db.Conn(ctx)

	row := evt.ToModel()
	res := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert event %s: %w", evt.EventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	entry := models.OutboxEntry{
		EventID:     evt.EventID,
		Status:      enums.OutboxStatusPending,
		AvailableAt: s.now(),
	}
	if err := conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error; err != nil {
		return false, fmt.Errorf("insert outbox entry %s: %w", evt.EventID, err)
	}
	return true, nil
}

// ClaimBatch claims up to batchSize entries that are pending and due, or
// claimed with an expired lease. Entries taken concurrently by another
// worker are skipped.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int, lease time.Duration) ([]models.OutboxEntry, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := s.now()

	var candidates []models.OutboxEntry
	err := s.db.Conn(ctx).
		Where("(status = ? AND available_at <= ?) OR (status = ? AND claimed_at <= ?)",
			enums.OutboxStatusPending, now,
			enums.OutboxStatusClaimed, now.Add(-lease)).
		Order("available_at ASC").
		Order("created_at ASC").
		Limit(batchSize).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("select claimable entries: %w", err)
	}

	claimed := make([]models.OutboxEntry, 0, len(candidates))
	for _, entry := range candidates {
		token := uuid.NewString()
		q := s.db.Conn(ctx).Model(&models.OutboxEntry{}).
			Where("id = ? AND status = ?", entry.ID, entry.Status)
		if entry.ClaimToken == nil {
			q = q.Where("claim_token IS NULL")
		} else {
			q = q.Where("claim_token = ?", *entry.ClaimToken)
		}
		res := q.Updates(map[string]any{
			"status":      enums.OutboxStatusClaimed,
			"claimed_at":  now,
			"claim_token": token,
		})
		if res.Error != nil {
			return claimed, fmt.Errorf("claim entry %s: %w", entry.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		entry.Status = enums.OutboxStatusClaimed
		entry.ClaimedAt = &now
		entry.ClaimToken = &token
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

// Complete moves a claimed entry to a terminal status.
func (s *Store) Complete(ctx context.Context, entry models.OutboxEntry, status enums.OutboxStatus, lastErr string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	updates := map[string]any{
		"status":      status,
		"claim_token": nil,
		"claimed_at":  nil,
		"last_error":  nullableError(lastErr),
	}
	return s.transition(ctx, entry, enums.OutboxStatusClaimed, updates)
}

// Requeue records a failed pass and makes the entry pending again at
// availableAt.
func (s *Store) Requeue(ctx context.Context, entry models.OutboxEntry, availableAt time.Time, lastErr string) error {
	return s.db.InTx(ctx, func(ctx context.Context, _ *db.UnitOfWork) error {
		failed := map[string]any{
			"status":     enums.OutboxStatusFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": nullableError(lastErr),
		}
		if err := s.transition(ctx, entry, enums.OutboxStatusClaimed, failed); err != nil {
			return err
		}
		pending := map[string]any{
			"status":       enums.OutboxStatusPending,
			"available_at": availableAt.UTC(),
			"claim_token":  nil,
			"claimed_at":   nil,
		}
		return s.transition(ctx, entry, enums.OutboxStatusFailed, pending)
	})
}

func (s *Store) transition(ctx context.Context, entry models.OutboxEntry, from enums.OutboxStatus, updates map[string]any) error {
	if entry.ClaimToken == nil {
		return ErrClaimLost
	}
	res := s.db.Conn(ctx).Model(&models.OutboxEntry{}).
		Where("id = ? AND status = ? AND claim_token = ?", entry.ID, from, *entry.ClaimToken).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update entry %s: %w", entry.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

// LoadEvent returns the event row behind an entry.
func (s *Store) LoadEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var row models.Event
	if err := s.db.Conn(ctx).Where("event_id = ?", eventID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Get returns the entry for eventID.
func (s *Store) Get(ctx context.Context, eventID string) (*models.OutboxEntry, error) {
	var row models.OutboxEntry
	if err := s.db.Conn(ctx).Where("event_id = ?", eventID).First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// ListByStatus returns up to limit entries in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status enums.OutboxStatus, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxEntry
	err := s.db.Conn(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Stats counts entries per status. Every status is present in the result.
func (s *Store) Stats(ctx context.Context) (map[enums.OutboxStatus]int64, error) {
	var rows []struct {
		Status enums.OutboxStatus
		Count  int64
	}
	err := s.db.Conn(ctx).Model(&models.OutboxEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count outbox entries: %w", err)
	}
	out := make(map[enums.OutboxStatus]int64, len(enums.OutboxStatuses()))
	for _, status := range enums.OutboxStatuses() {
		out[status] = 0
	}
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

// ListProcessedBefore returns processed entries last updated before cutoff,
// with their events loaded.
func (s *Store) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.OutboxEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []models.OutboxEntry
	err := s.db.Conn(ctx).
		Preload("Event").
		Where("status = ? AND updated_at < ?", enums.OutboxStatusProcessed, cutoff.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Purge deletes the events, entries and delivery attempts for eventIDs.
func (s *Store) Purge(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	var deleted int64
	err := s.db.InTx(ctx, func(ctx context.Context, uow *db.UnitOfWork) error {
		tx := uow.Tx()
		if err := tx.Where("event_id IN ?", eventIDs).Delete(&models.DeliveryAttempt{}).Error; err != nil {
			return err
		}
		res := tx.Where("event_id IN ?", eventIDs).Delete(&models.OutboxEntry{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return tx.Where("event_id IN ?", eventIDs).Delete(&models.Event{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return deleted, nil
}

func nullableError(msg string) any {
	if msg == "" {
		return nil
	}
	msg = truncateError(msg)
	return &msg
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}
