// Package am holds the postpulse configuration: where jobs and telemetry
// live, scheduler timing, state machine pacing and the browser driver.
// Values merge system → user → project files, then POSTPULSE_* env vars.
package am

// Config represents the postpulse configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poster    PosterConfig    `mapstructure:"poster"`
	Selectors SelectorsConfig `mapstructure:"selectors"`
	Driver    DriverConfig    `mapstructure:"driver"`
}

// StoreConfig configures the date-partitioned job files
type StoreConfig struct {
	JobsDir  string `mapstructure:"jobs_dir"` // one <YYYY-MM-DD>.json per effective date
	Timezone string `mapstructure:"timezone"` // IANA name used to pick partition dates (default: Local)
}

// DatabaseConfig configures the SQLite execution history
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	RetainDays        int    `mapstructure:"retain_days"` // 0 = keep forever
	RecorderBatchSize int    `mapstructure:"recorder_batch_size"`
}

// SchedulerConfig configures the scheduler loop and job table
type SchedulerConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	ErrorBackoffSeconds int `mapstructure:"error_backoff_seconds"`
	StuckAfterMinutes   int `mapstructure:"stuck_after_minutes"`
	ExpireAfterHours    int `mapstructure:"expire_after_hours"`
	DefaultMaxRetries   int `mapstructure:"default_max_retries"`
	RetryBackoffSeconds int `mapstructure:"retry_backoff_seconds"` // doubled per retry
}

// PosterConfig configures the post state machine
type PosterConfig struct {
	ComposeURL           string   `mapstructure:"compose_url"`
	ProfileURLTemplate   string   `mapstructure:"profile_url_template"` // {account} is replaced
	ThreadIDPattern      string   `mapstructure:"thread_id_pattern"`
	MinDelayMS           int      `mapstructure:"min_delay_ms"`
	MaxDelayMS           int      `mapstructure:"max_delay_ms"`
	MinChunk             int      `mapstructure:"min_chunk"`
	MaxChunk             int      `mapstructure:"max_chunk"`
	MaxPointerOffset     int      `mapstructure:"max_pointer_offset"`
	ActionsPerMinute     float64  `mapstructure:"actions_per_minute"` // 0 = no limit
	WaitTimeoutSeconds   int      `mapstructure:"wait_timeout_seconds"`
	SettleTimeoutSeconds int      `mapstructure:"settle_timeout_seconds"`
	StepAttempts         int      `mapstructure:"step_attempts"`
	NonRetryablePhrases  []string `mapstructure:"non_retryable_phrases"`
}

// SelectorsConfig points at the versioned selector file
type SelectorsConfig struct {
	Path       string `mapstructure:"path"`       // .toml or .yaml; empty = built-in set
	Constraint string `mapstructure:"constraint"` // semver constraint, e.g. "^1.2"
	Watch      bool   `mapstructure:"watch"`      // reload when the file changes
}

// DriverConfig configures the websocket browser driver
type DriverConfig struct {
	URL                string `mapstructure:"url"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
