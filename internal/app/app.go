// Package app assembles the eventflow components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/eventflow/pkg/actions"
	"github.com/angelmondragon/eventflow/pkg/bigquery"
	"github.com/angelmondragon/eventflow/pkg/bridge"
	"github.com/angelmondragon/eventflow/pkg/config"
	"github.com/angelmondragon/eventflow/pkg/db"
	"github.com/angelmondragon/eventflow/pkg/events"
	"github.com/angelmondragon/eventflow/pkg/logger"
	"github.com/angelmondragon/eventflow/pkg/metrics"
	"github.com/angelmondragon/eventflow/pkg/migrate"
	"github.com/angelmondragon/eventflow/pkg/outbox"
	"github.com/angelmondragon/eventflow/pkg/pubsub"
	"github.com/angelmondragon/eventflow/pkg/redis"
	"github.com/angelmondragon/eventflow/pkg/workflow"
)

// Options tune what New bootstraps.
type Options struct {
	// Registerer receives drain metrics; nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Archive connects BigQuery when it is configured.
	Archive bool
}

// Deps are the already-connected clients Assemble builds on. Only DB is
// required.
type Deps struct {
	DB       *db.Client
	Redis    *redis.Client
	PubSub   *pubsub.Client
	BigQuery *bigquery.Client
}

// App holds every wired component of one process.
type App struct {
	Config *config.Config
	Logger *logger.Logger
	Deps

	Events    *events.Registry
	Actions   *actions.Registry
	Handlers  *workflow.HandlerRegistry
	Engine    *workflow.Engine
	Executor  *workflow.PoolExecutor
	Store     *outbox.Store
	Attempts  *outbox.AttemptStore
	Publisher events.Publisher
	Bridge    *bridge.Bridge
	Drainer   *outbox.Drainer
	Replayer  *outbox.Replayer
	Metrics   *metrics.DrainMetrics

	cancel context.CancelFunc
}

// New connects the database and the optional Redis, Pub/Sub and BigQuery
// clients, then assembles the components.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts Options) (*App, error) {
	deps := Deps{}
	a := &App{Config: cfg, Logger: logg}
	fail := func(err error) (*App, error) {
		a.Deps = deps
		return nil, multierr.Append(err, a.Close())
	}

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	deps.DB = dbClient

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fail(fmt.Errorf("dev migrations: %w", err))
	}

	if cfg.Redis.Enabled() {
		if deps.Redis, err = redis.New(ctx, cfg.Redis, logg); err != nil {
			return fail(fmt.Errorf("bootstrap redis: %w", err))
		}
	}
	if cfg.PubSub.Enabled() {
		if deps.PubSub, err = pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg); err != nil {
			return fail(fmt.Errorf("bootstrap pubsub: %w", err))
		}
	}
	if opts.Archive && cfg.BigQuery.Enabled() {
		if deps.BigQuery, err = bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg); err != nil {
			return fail(fmt.Errorf("bootstrap bigquery: %w", err))
		}
	}

	assembled, err := Assemble(cfg, logg, deps, opts.Registerer)
	if err != nil {
		return fail(err)
	}
	return assembled, nil
}

// Assemble wires the components on top of deps.
func Assemble(cfg *config.Config, logg *logger.Logger, deps Deps, reg prometheus.Registerer) (*App, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database client is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	a := &App{Config: cfg, Logger: logg, Deps: deps}

	registryOpts := []events.Option{events.WithLogger(logg)}
	if deps.Redis != nil {
		seen, err := events.NewRedisSeenStore(deps.Redis, cfg.Redis.SeenTTL, cfg.Redis.SeenReservationTTL)
		if err != nil {
			return nil, fmt.Errorf("redis seen store: %w", err)
		}
		registryOpts = append(registryOpts, events.WithSeenStore(seen))
	}
	a.Events = events.NewRegistry(registryOpts...)

	var topicPublisher actions.TopicPublisher
	if deps.PubSub != nil {
		topicPublisher = deps.PubSub
		if _, err := pubsub.RegisterForwarders(a.Events, deps.PubSub, cfg.PubSub.ForwardTopic, cfg.PubSub.ForwardEvent, cfg.Workflow.MaxRetries); err != nil {
			return nil, fmt.Errorf("register pubsub forwarders: %w", err)
		}
	}
	a.Actions = actions.NewRegistry()
	if err := actions.RegisterBuiltins(a.Actions, logg, topicPublisher, cfg.PubSub.ForwardTopic); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}

	a.Handlers = workflow.NewHandlerRegistry()
	if err := registerBuiltinHandlers(a.Handlers); err != nil {
		return nil, fmt.Errorf("register workflow handlers: %w", err)
	}

	engineParams := workflow.EngineParams{
		DB:       deps.DB,
		Handlers: a.Handlers,
		Actions:  a.Actions,
		Logger:   logg,
		Async:    cfg.Workflow.AsyncEnabled(),
	}
	if engineParams.Async {
		execCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.Executor = workflow.NewPoolExecutor(execCtx, cfg.Workflow.ExecutorWorkers, logg)
		engineParams.Executor = a.Executor
	}
	engine, err := workflow.NewEngine(engineParams)
	if err != nil {
		return nil, err
	}
	a.Engine = engine

	triggers, err := ParseTriggers(cfg.Workflow.Triggers)
	if err != nil {
		return nil, err
	}
	for _, t := range triggers {
		if _, err := a.Events.Register(t.EventName, workflow.Trigger(engine, t.Definition), events.RegistrationOptions{
			ID:      "workflow:" + t.Definition.WorkflowID + ":" + t.EventName,
			Retries: cfg.Workflow.MaxRetries,
		}); err != nil {
			return nil, fmt.Errorf("register trigger %s: %w", t.EventName, err)
		}
	}

	a.Store = outbox.NewStore(deps.DB)
	a.Attempts = outbox.NewAttemptStore(deps.DB)
	a.Replayer = outbox.NewReplayer(deps.DB, a.Store, a.Attempts, logg)
	a.Metrics = metrics.NewDrainMetrics(reg)

	if cfg.Workflow.IsProduction() {
		a.Publisher = outbox.NewPublisher(deps.DB, a.Store, logg)
	} else {
		a.Publisher = a.Events
	}

	a.Bridge, err = bridge.New(bridge.Params{
		Publisher: a.Publisher,
		Logger:    logg,
		Enabled:   cfg.Workflow.SignalBridge,
	})
	if err != nil {
		return nil, err
	}

	a.Drainer, err = outbox.NewDrainer(outbox.DrainerParams{
		Store:             a.Store,
		Attempts:          a.Attempts,
		Registry:          a.Events,
		Logger:            logg,
		Metrics:           a.Metrics,
		MaxRetries:        cfg.Workflow.MaxRetries,
		DeadLetterEnabled: cfg.Workflow.DeadLetterEnabled,
		Lease:             cfg.Outbox.Lease,
		HandlerTimeout:    cfg.Outbox.HandlerTimeout,
		RetryBackoff:      cfg.Outbox.RetryBackoff,
		MaxBackoff:        cfg.Outbox.MaxBackoff,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close waits for in-flight workflows, stops the executor and closes every
// client.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.Executor != nil {
		a.Executor.Wait()
	}
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	if a.BigQuery != nil {
		err = multierr.Append(err, a.BigQuery.Close())
	}
	if a.PubSub != nil {
		err = multierr.Append(err, a.PubSub.Close())
	}
	if a.Redis != nil {
		err = multierr.Append(err, a.Redis.Close())
	}
	if a.DB != nil {
		err = multierr.Append(err, a.DB.Close())
	}
	return err
}
