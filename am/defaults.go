package am

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/teranos/postpulse/poster"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
}

// Defaults returns every configuration key with its built-in value
func Defaults() map[string]interface{} {
	pc := poster.DefaultConfig()
	return map[string]interface{}{
		// Store defaults
		"store.jobs_dir": "jobs",
		"store.timezone": "Local",

		// Database defaults
		"database.path":                "postpulse.db",
		"database.retain_days":         30,
		"database.recorder_batch_size": 20,

		// Scheduler defaults
		"scheduler.poll_interval_seconds": 30,
		"scheduler.error_backoff_seconds": 5,
		"scheduler.stuck_after_minutes":   30,
		"scheduler.expire_after_hours":    24,
		"scheduler.default_max_retries":   3,
		"scheduler.retry_backoff_seconds": 60, // 2m, 4m, 8m

		// Poster defaults
		"poster.compose_url":            pc.ComposeURL,
		"poster.profile_url_template":   pc.ProfileURLTemplate,
		"poster.thread_id_pattern":      pc.ThreadIDPattern,
		"poster.min_delay_ms":           int(pc.Pacing.MinDelay.Milliseconds()),
		"poster.max_delay_ms":           int(pc.Pacing.MaxDelay.Milliseconds()),
		"poster.min_chunk":              pc.Pacing.MinChunk,
		"poster.max_chunk":              pc.Pacing.MaxChunk,
		"poster.max_pointer_offset":     pc.Pacing.MaxPointerOffset,
		"poster.actions_per_minute":     pc.Pacing.ActionsPerMinute,
		"poster.wait_timeout_seconds":   int(pc.WaitTimeout.Seconds()),
		"poster.settle_timeout_seconds": int(pc.SettleTimeout.Seconds()),
		"poster.step_attempts":          pc.StepAttempts,
		"poster.non_retryable_phrases":  pc.NonRetryablePhrases,

		// Selector defaults
		"selectors.path":       "",
		"selectors.constraint": "",
		"selectors.watch":      true,

		// Driver defaults
		"driver.url":                  "ws://127.0.0.1:9222/postpulse",
		"driver.call_timeout_seconds": 30,
	}
}

// BindSensitiveEnvVars explicitly binds values commonly overridden per host
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "POSTPULSE_DATABASE_PATH")
	v.BindEnv("store.jobs_dir", "POSTPULSE_STORE_JOBS_DIR")
	v.BindEnv("driver.url", "POSTPULSE_DRIVER_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "postpulse.db" // Fallback default
	}
	return c.Database.Path
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Jobs: %s, Database: %s, Poll: %ds, Driver: %s}",
		c.Store.JobsDir, c.Database.Path, c.Scheduler.PollIntervalSeconds, c.Driver.URL)
}
