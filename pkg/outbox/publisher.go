package outbox

import (
	"context"

	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

// Publisher records events in the outbox instead of dispatching them.
type Publisher struct {
	db    *db.Client
	store *Store
	logg  *logger.Logger
}

var _ events.Publisher = (*Publisher)(nil)

func NewPublisher(client *db.Client, store *Store, logg *logger.Logger) *Publisher {
	if logg == nil {
		logg = logger.Nop()
	}
	return &Publisher{db: client, store: store, logg: logg}
}

// Publish writes the event and its pending entry inside the unit of work on
// ctx, or a fresh transaction. A duplicate event id is a no-op.
func (p *Publisher) Publish(ctx context.Context, evt events.Event) (bool, error) {
	if err := evt.Validate(); err != nil {
		return false, err
	}

	var inserted bool
	err := p.db.InTx(ctx, func(ctx context.Context, _ *db.UnitOfWork) error {
		var err error
		inserted, err = p.store.Insert(ctx, evt)
		return err
	})
	if err != nil {
		return false, err
	}

	logCtx := p.logg.WithFields(ctx, map[string]any{
		"event_id":   evt.EventID,
		"event_name": evt.EventName,
		"event_type": evt.EventType,
	})
	if inserted {
		p.logg.Info(logCtx, "outbox event queued")
	} else {
		p.logg.Debug(logCtx, "outbox event already recorded")
	}
	return true, nil
}
