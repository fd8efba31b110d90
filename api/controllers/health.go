package controllers

import (
	"context"
	"net/http"
	"sort"

	"github.com/angelmondragon/eventflow/api/responses"
	"github.com/angelmondragon/eventflow/pkg/config"
	pkgerrors "github.com/angelmondragon/eventflow/pkg/errors"
	"github.com/angelmondragon/eventflow/pkg/logger"
)

const envHeader = "X-Eventflow-Env"

// PingFunc checks one dependency.
type PingFunc func(context.Context) error

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and fails with DEPENDENCY_ERROR on the first
// that is down.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]PingFunc) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx := r.Context()
		for _, name := range names {
			if err := deps[name](ctx); err != nil {
				wrapped := pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable")
				responses.WriteError(logg.WithField(ctx, "dependency", name), logg, w, wrapped)
				return
			}
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": names})
	}
}
