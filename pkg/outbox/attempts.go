package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
)

// IdempotencyKey derives the delivery key for one registration on one event.
func IdempotencyKey(eventID, registrationID string) string {
	sum := sha256.Sum256([]byte(eventID + ":" + registrationID))
	return hex.EncodeToString(sum[:])
}

// AttemptStore persists per-handler delivery progress.
type AttemptStore struct {
	db *db.Client
}

func NewAttemptStore(client *db.Client) *AttemptStore {
	return &AttemptStore{db: client}
}

// FindOrCreate returns the attempt for (eventID, registrationID), creating a
// pending one on first sight.
func (s *AttemptStore) FindOrCreate(ctx context.Context, eventID, registrationID string) (*models.DeliveryAttempt, error) {
	key := IdempotencyKey(eventID, registrationID)

	row := models.DeliveryAttempt{
		EventID:               eventID,
		HandlerRegistrationID: registrationID,
		IdempotencyKey:        key,
		Status:                enums.DeliveryStatusPending,
	}
	if err := s.db.Conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("create delivery attempt %s: %w", registrationID, err)
	}

	var existing models.DeliveryAttempt
	if err := s.db.Conn(ctx).Where("idempotency_key = ?", key).First(&existing).Error; err != nil {
		return nil, fmt.Errorf("load delivery attempt %s: %w", registrationID, err)
	}
	return &existing, nil
}

// MarkRunning moves a non-terminal attempt to running. It reports false when
// the attempt already reached a terminal status.
func (s *AttemptStore) MarkRunning(ctx context.Context, id uuid.UUID) (bool, error) {
	res := s.db.Conn(ctx).Model(&models.DeliveryAttempt{}).
		Where("id = ? AND status IN ?", id, []enums.DeliveryStatus{
			enums.DeliveryStatusPending,
			enums.DeliveryStatusFailed,
			enums.DeliveryStatusRunning,
		}).
		Update("status", enums.DeliveryStatusRunning)
	if res.Error != nil {
		return false, fmt.Errorf("mark attempt %s running: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkCompleted records a successful delivery.
func (s *AttemptStore) MarkCompleted(ctx context.Context, id uuid.UUID, attempts int) error {
	res := s.db.Conn(ctx).Model(&models.DeliveryAttempt{}).
		Where("id = ? AND status = ?", id, enums.DeliveryStatusRunning).
		Updates(map[string]any{
			"status":     enums.DeliveryStatusCompleted,
			"attempts":   attempts,
			"last_error": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark attempt %s completed: %w", id, res.Error)
	}
	return nil
}

// MarkFailed records a failed delivery as failed or dead_letter.
func (s *AttemptStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, status enums.DeliveryStatus, lastErr, traceback string) error {
	if status != enums.DeliveryStatusFailed && status != enums.DeliveryStatusDeadLetter {
		return fmt.Errorf("status %s is not a failure status", status)
	}
	res := s.db.Conn(ctx).Model(&models.DeliveryAttempt{}).
		Where("id = ? AND status = ?", id, enums.DeliveryStatusRunning).
		Updates(map[string]any{
			"status":         status,
			"attempts":       attempts,
			"last_error":     nullableError(lastErr),
			"last_traceback": nullableText(traceback),
		})
	if res.Error != nil {
		return fmt.Errorf("mark attempt %s %s: %w", id, status, res.Error)
	}
	return nil
}

// ListByEvent returns every attempt recorded for eventID.
func (s *AttemptStore) ListByEvent(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error) {
	var rows []models.DeliveryAttempt
	err := s.db.Conn(ctx).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

// ResetDeadLetters makes the dead-lettered attempts of eventID pending again.
func (s *AttemptStore) ResetDeadLetters(ctx context.Context, eventID string) (int64, error) {
	res := s.db.Conn(ctx).Model(&models.DeliveryAttempt{}).
		Where("event_id = ? AND status = ?", eventID, enums.DeliveryStatusDeadLetter).
		Updates(map[string]any{
			"status":   enums.DeliveryStatusPending,
			"attempts": 0,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reset attempts for %s: %w", eventID, res.Error)
	}
	return res.RowsAffected, nil
}

func nullableText(text string) any {
	if text == "" {
		return nil
	}
	return &text
}
