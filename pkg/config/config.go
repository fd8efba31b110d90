package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	FeatureFlags FeatureFlagsConfig
	Redis        RedisConfig
	Workflow     WorkflowConfig
	Outbox       OutboxConfig
	Metrics      MetricsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Telemetry    TelemetryConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Workflow.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"EVENTFLOW_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"EVENTFLOW_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"EVENTFLOW_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"EVENTFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"EVENTFLOW_SERVICE_KIND" default:"cli"`
}

type DBConfig struct {
	DSN    string `envconfig:"EVENTFLOW_DB_DSN"`
	Driver string `envconfig:"EVENTFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"EVENTFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"EVENTFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"EVENTFLOW_DB_USER"`
	LegacyPassword string `envconfig:"EVENTFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"EVENTFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"EVENTFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"EVENTFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"EVENTFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"EVENTFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"EVENTFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	LogLevel           string        `envconfig:"EVENTFLOW_DB_LOG_LEVEL" default:"warn"`
	SlowQueryThreshold time.Duration `envconfig:"EVENTFLOW_DB_SLOW_QUERY_THRESHOLD" default:"250ms"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"EVENTFLOW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"EVENTFLOW_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"EVENTFLOW_REDIS_URL"`
	Address      string        `envconfig:"EVENTFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"EVENTFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"EVENTFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"EVENTFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"EVENTFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"EVENTFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"EVENTFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"EVENTFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
	SeenTTL      time.Duration `envconfig:"EVENTFLOW_REDIS_SEEN_TTL" default:"720h"`

	SeenReservationTTL time.Duration `envconfig:"EVENTFLOW_REDIS_SEEN_RESERVATION_TTL" default:"5m"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

// WorkflowConfig carries the recognized WORKFLOW_* flags.
type WorkflowConfig struct {
	Mode              string `envconfig:"WORKFLOW_MODE" default:"local" validate:"oneof=local production"`
	Async             bool   `envconfig:"WORKFLOW_ASYNC" default:"false"`
	SignalBridge      bool   `envconfig:"WORKFLOW_SIGNAL_BRIDGE" default:"true"`
	MaxRetries        int    `envconfig:"WORKFLOW_MAX_RETRIES" default:"3" validate:"gte=0"`
	DeadLetterEnabled bool   `envconfig:"WORKFLOW_DEAD_LETTER_ENABLED" default:"true"`
	ExecutorWorkers   int    `envconfig:"WORKFLOW_EXECUTOR_WORKERS" default:"8" validate:"gte=1"`
	// Triggers maps event names to workflows: "event=workflow[:handler],...".
	Triggers string `envconfig:"WORKFLOW_TRIGGERS"`
}

var validate = validator.New()

// Validate checks the workflow flags against their allowed values.
func (w WorkflowConfig) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("invalid workflow config: %w", err)
	}
	return nil
}

// IsProduction reports whether WORKFLOW_MODE selects durable delivery.
func (w WorkflowConfig) IsProduction() bool {
	return strings.EqualFold(w.Mode, WorkflowModeProduction)
}

// AsyncEnabled reports whether Start may defer handlers to a background executor.
func (w WorkflowConfig) AsyncEnabled() bool {
	return w.Async && w.IsProduction()
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"EVENTFLOW_OUTBOX_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"EVENTFLOW_OUTBOX_POLL_MS" default:"500"`
	Lease          time.Duration `envconfig:"EVENTFLOW_OUTBOX_LEASE" default:"5m"`
	HandlerTimeout time.Duration `envconfig:"EVENTFLOW_OUTBOX_HANDLER_TIMEOUT" default:"30s"`
	RetryBackoff   time.Duration `envconfig:"EVENTFLOW_OUTBOX_RETRY_BACKOFF" default:"2s"`
	MaxBackoff     time.Duration `envconfig:"EVENTFLOW_OUTBOX_MAX_BACKOFF" default:"5m"`
}

type MetricsConfig struct {
	Addr string `envconfig:"EVENTFLOW_METRICS_ADDR" default:":9090"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"EVENTFLOW_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"EVENTFLOW_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"EVENTFLOW_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	ForwardTopic string `envconfig:"EVENTFLOW_PUBSUB_FORWARD_TOPIC"`
	ForwardEvent string `envconfig:"EVENTFLOW_PUBSUB_FORWARD_EVENT"`
}

// Enabled reports whether outbox events should be relayed to Pub/Sub.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.ForwardTopic) != ""
}

type BigQueryConfig struct {
	Dataset      string `envconfig:"EVENTFLOW_BIGQUERY_DATASET"`
	ArchiveTable string `envconfig:"EVENTFLOW_BIGQUERY_ARCHIVE_TABLE" default:"event_archive"`
	// CreateTable creates a missing archive table, partitioned by processed_at day.
	CreateTable bool `envconfig:"EVENTFLOW_BIGQUERY_CREATE_TABLE" default:"true"`
	// PartitionExpirationDays drops archive partitions after N days; zero keeps them.
	PartitionExpirationDays int `envconfig:"EVENTFLOW_BIGQUERY_PARTITION_EXPIRATION_DAYS" default:"0"`
}

// Enabled reports whether processed events are archived to BigQuery.
func (b BigQueryConfig) Enabled() bool {
	return strings.TrimSpace(b.Dataset) != ""
}

type TelemetryConfig struct {
	ServiceName string `envconfig:"EVENTFLOW_OTEL_SERVICE_NAME" default:"eventflow"`
	TracingURL  string `envconfig:"EVENTFLOW_OTEL_TRACING_URL"`
}

type RetentionConfig struct {
	Days     int           `envconfig:"EVENTFLOW_RETENTION_DAYS" default:"30"`
	Interval time.Duration `envconfig:"EVENTFLOW_RETENTION_INTERVAL" default:"24h"`
	Batch    int           `envconfig:"EVENTFLOW_RETENTION_BATCH" default:"500"`
	// JobTimeout bounds each cron job run.
	JobTimeout time.Duration `envconfig:"EVENTFLOW_CRON_JOB_TIMEOUT" default:"30m"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = defaultSQLiteDSN
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
