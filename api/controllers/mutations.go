package controllers

import (
	"context"
	"net/http"

	"github.com/angelmondragon/eventflow/api/responses"
	"github.com/angelmondragon/eventflow/api/validators"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

type mutationNotifier interface {
	Notify(ctx context.Context, entityType string, identification map[string]any, action string, changes, metadata map[string]any) error
}

type mutationRequest struct {
	EntityType     string         `json:"entity_type" validate:"required"`
	Identification map[string]any `json:"identification" validate:"required"`
	Action         string         `json:"action" validate:"required"`
	Changes        map[string]any `json:"changes"`
	Metadata       map[string]any `json:"metadata"`
}

// ReportMutation feeds an externally observed mutation into the signal bridge.
func ReportMutation(bridge mutationNotifier, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var req mutationRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := bridge.Notify(ctx, req.EntityType, req.Identification, req.Action, req.Changes, req.Metadata); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
