package config

// Config is the on-disk castbot configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "50ms", "10s", "720h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Jobs     JobsConfig     `json:"jobs"`
	Storage  StorageConfig  `json:"storage"`
	Claims   ClaimsConfig   `json:"claims"`
	History  HistoryConfig  `json:"history"`
	Tracing  TracingConfig  `json:"tracing"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via CASTBOT_TELEGRAM_TOKEN.
	Token          string `json:"token"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// APIURL overrides the Bot API endpoint (local bot api server).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Admin   LoggingAdmin `json:"admin"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAdmin forwards WARN+ lines to an operator chat.
type LoggingAdmin struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// DispatchConfig tunes the batch executor and both schedulers.
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 10
//   - batch_delay: "50ms"
//   - max_pause: "30s"
//   - tick_interval: "10ms"
//   - durable_workers: 3
//   - fastpath_max_inflight: 4
//   - mark_timeout: "5s"
//   - claim_lease: "1m"
//   - claim_recheck: "15s"
type DispatchConfig struct {
	BatchSize           int    `json:"batch_size,omitempty"`
	BatchDelay          string `json:"batch_delay,omitempty"`
	MaxPause            string `json:"max_pause,omitempty"`
	TickInterval        string `json:"tick_interval,omitempty"`
	DurableWorkers      int    `json:"durable_workers,omitempty"`
	FastPathMaxInflight int    `json:"fastpath_max_inflight,omitempty"`
	MarkTimeout         string `json:"mark_timeout,omitempty"`
	ClaimLease          string `json:"claim_lease,omitempty"`
	ClaimRecheck        string `json:"claim_recheck,omitempty"`
}

// JobsConfig controls the durable job backend.
type JobsConfig struct {
	PollInterval   string `json:"poll_interval,omitempty"`
	Lease          string `json:"lease,omitempty"`
	HandlerTimeout string `json:"handler_timeout,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
}

// StorageConfig locates the sqlite database.
//
// Example:
//
//	"storage": { "path": "./data/castbot.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ClaimsConfig selects the claim/tombstone backend. "sqlite" (default) keeps
// claims next to the jobs table; "redis" shares them across replicas.
type ClaimsConfig struct {
	Driver string      `json:"driver,omitempty"`
	Redis  RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	// Addr may be supplied via CASTBOT_REDIS_ADDR.
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	TTL      string `json:"ttl,omitempty"`
}

type HistoryConfig struct {
	// Retention of history, finished jobs and claims (default "720h").
	Retention string `json:"retention,omitempty"`
	// PruneSchedule is a cron spec (seconds optional) or descriptor such as "@daily".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name,omitempty"`
	ServiceVersion string  `json:"service_version,omitempty"`
	Environment    string  `json:"environment,omitempty"`
	Exporter       string  `json:"exporter,omitempty"` // stdout | otlp
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty"`
	OTLPInsecure   bool    `json:"otlp_insecure,omitempty"`
	SampleRate     float64 `json:"sample_rate,omitempty"`
}

const (
	ClaimsSQLite = "sqlite"
	ClaimsRedis  = "redis"
)
