package outbox

import (
	"context"
	"fmt"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

// Replayer returns dead-lettered entries to the pending queue.
type Replayer struct {
	db       *db.Client
	store    *Store
	attempts *AttemptStore
	logg     *logger.Logger
}

func NewReplayer(client *db.Client, store *Store, attempts *AttemptStore, logg *logger.Logger) *Replayer {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Replayer{db: client, store: store, attempts: attempts, logg: logg}
}

// ReplayDeadLetters resets up to limit dead_letter entries, and their
// dead-lettered attempts, so the next drain delivers them again.
func (r *Replayer) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	entries, err := r.store.ListByStatus(ctx, enums.OutboxStatusDeadLetter, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		var (
			resetAttempts int64
			reset         bool
		)
		err := r.db.InTx(ctx, func(ctx context.Context, uow *db.UnitOfWork) error {
			res := uow.Tx().Model(&models.OutboxEntry{}).
				Where("id = ? AND status = ?", entry.ID, enums.OutboxStatusDeadLetter).
				Updates(map[string]any{
					"status":       enums.OutboxStatusPending,
					"attempts":     0,
					"available_at": r.store.now(),
					"claim_token":  nil,
					"claimed_at":   nil,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			n, err := r.attempts.ResetDeadLetters(ctx, entry.EventID)
			if err != nil {
				return err
			}
			resetAttempts = n
			reset = true
			return nil
		})
		if err != nil {
			return replayed, fmt.Errorf("replay %s: %w", entry.EventID, err)
		}
		if !reset {
			continue
		}
		replayed++

		logCtx := r.logg.WithFields(ctx, map[string]any{
			"event_id":       entry.EventID,
			"reset_attempts": resetAttempts,
		})
		r.logg.Info(logCtx, "dead letter replayed")
	}
	return replayed, nil
}
