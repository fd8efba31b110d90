package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/eventflow/api/controllers"
	"github.com/angelmondragon/eventflow/api/middleware"
	"github.com/angelmondragon/eventflow/pkg/bridge"
	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/outbox"
	"github.com/angelmondragon/eventflow/pkg/workflow"
)

// Params collects the router dependencies. Nil components leave their routes
// unmounted.
type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	Gatherer prometheus.Gatherer
	Ready    map[string]controllers.PingFunc
	Bridge   *bridge.Bridge
	Store    *outbox.Store
	Attempts *outbox.AttemptStore
	Replayer *outbox.Replayer
	Engine   *workflow.Engine
}

func NewRouter(p Params) http.Handler {
	logg := p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(p.Config))
		r.Get("/ready", controllers.HealthReady(p.Config, logg, p.Ready))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		if p.Bridge != nil {
			r.Post("/mutations", controllers.ReportMutation(p.Bridge, logg))
		}
		if p.Store != nil && p.Attempts != nil {
			r.Get("/outbox/stats", controllers.OutboxStats(p.Store, logg))
			r.Get("/outbox/{eventId}", controllers.OutboxEntry(p.Store, p.Attempts, logg))
		}
		if p.Replayer != nil {
			r.Post("/outbox/replay", controllers.ReplayDeadLetters(p.Replayer, logg))
		}
		if p.Engine != nil {
			r.Post("/workflows/{workflowId}/executions", controllers.StartWorkflow(p.Engine, logg))
			r.Get("/executions/{executionId}", controllers.GetExecution(p.Engine, logg))
			r.Post("/executions/{executionId}/resume", controllers.ResumeExecution(p.Engine, logg))
			r.Post("/executions/{executionId}/cancel", controllers.CancelExecution(p.Engine, logg))
		}
	})

	return r
}
