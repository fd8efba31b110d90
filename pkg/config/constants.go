package config

// EnvPrefix is empty: every field carries its full variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	WorkflowModeLocal      = "local"
	WorkflowModeProduction = "production"

	defaultSQLiteDSN = "file:eventflow.db?cache=shared&_busy_timeout=5000"
)

const (
	EnvAppEnv   = "EVENTFLOW_APP_ENV"
	EnvLogLevel = "EVENTFLOW_LOG_LEVEL"

	EnvDBDSN  = "EVENTFLOW_DB_DSN"
	EnvDBHost = "EVENTFLOW_DB_HOST"
	EnvDBUser = "EVENTFLOW_DB_USER"
	EnvDBName = "EVENTFLOW_DB_NAME"

	EnvUseSQLite = "EVENTFLOW_USE_SQLITE"
	EnvRedisURL  = "EVENTFLOW_REDIS_URL"

	EnvWorkflowMode              = "WORKFLOW_MODE"
	EnvWorkflowAsync             = "WORKFLOW_ASYNC"
	EnvWorkflowSignalBridge      = "WORKFLOW_SIGNAL_BRIDGE"
	EnvWorkflowMaxRetries        = "WORKFLOW_MAX_RETRIES"
	EnvWorkflowDeadLetterEnabled = "WORKFLOW_DEAD_LETTER_ENABLED"

	EnvOutboxBatchSize = "EVENTFLOW_OUTBOX_BATCH_SIZE"
	EnvOutboxLease     = "EVENTFLOW_OUTBOX_LEASE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
