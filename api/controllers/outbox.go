package controllers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/eventflow/api/responses"
	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/db/models"
	"github.com/angelmondragon/eventflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

const defaultReplayLimit = 100

type outboxReader interface {
	Stats(ctx context.Context) (map[enums.OutboxStatus]int64, error)
	Get(ctx context.Context, eventID string) (*models.OutboxEntry, error)
}

type attemptLister interface {
	ListByEvent(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error)
}

type deadLetterReplayer interface {
	ReplayDeadLetters(ctx context.Context, limit int) (int, error)
}

type outboxEntryView struct {
	EventID     string        `json:"event_id"`
	Status      string        `json:"status"`
	Attempts    int           `json:"attempts"`
	LastError   *string       `json:"last_error,omitempty"`
	AvailableAt time.Time     `json:"available_at"`
	Deliveries  []attemptView `json:"deliveries"`
}

type attemptView struct {
	RegistrationID string  `json:"registration_id"`
	Status         string  `json:"status"`
	Attempts       int     `json:"attempts"`
	LastError      *string `json:"last_error,omitempty"`
}

func OutboxStats(store outboxReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := store.Stats(r.Context())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := make(map[string]int64, len(stats))
		for status, n := range stats {
			out[string(status)] = n
		}
		responses.WriteSuccess(w, out)
	}
}

func OutboxEntry(store outboxReader, attempts attemptLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		eventID := chi.URLParam(r, "eventId")
		entry, err := store.Get(ctx, eventID)
		if err != nil {
			if db.IsNotFound(err) {
				err = pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "outbox entry not found")
			}
			responses.WriteError(ctx, logg, w, err)
			return
		}
		rows, err := attempts.ListByEvent(ctx, eventID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		view := outboxEntryView{
			EventID:     entry.EventID,
			Status:      string(entry.Status),
			Attempts:    entry.Attempts,
			LastError:   entry.LastError,
			AvailableAt: entry.AvailableAt,
			Deliveries:  make([]attemptView, 0, len(rows)),
		}
		for _, row := range rows {
			view.Deliveries = append(view.Deliveries, attemptView{
				RegistrationID: row.HandlerRegistrationID,
				Status:         string(row.Status),
				Attempts:       row.Attempts,
				LastError:      row.LastError,
			})
		}
		responses.WriteSuccess(w, view)
	}
}

func ReplayDeadLetters(replayer deadLetterReplayer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit := defaultReplayLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer"))
				return
			}
			limit = n
		}
		replayed, err := replayer.ReplayDeadLetters(ctx, limit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]int{"replayed": replayed})
	}
}
