package am

import (
	"regexp"
	"time"

	"github.com/teranos/postpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store.JobsDir == "" {
		return errors.New("store.jobs_dir cannot be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Database.RetainDays < 0 {
		return errors.Newf("database.retain_days must be >= 0, got %d", c.Database.RetainDays)
	}
	if c.Database.RecorderBatchSize < 0 {
		return errors.Newf("database.recorder_batch_size must be >= 0, got %d", c.Database.RecorderBatchSize)
	}

	// Scheduler timing: zero would spin or never run anything
	s := c.Scheduler
	if s.PollIntervalSeconds <= 0 {
		return errors.Newf("scheduler.poll_interval_seconds must be > 0, got %d", s.PollIntervalSeconds)
	}
	if s.ErrorBackoffSeconds < 0 {
		return errors.Newf("scheduler.error_backoff_seconds must be >= 0, got %d", s.ErrorBackoffSeconds)
	}
	if s.StuckAfterMinutes <= 0 {
		return errors.Newf("scheduler.stuck_after_minutes must be > 0, got %d", s.StuckAfterMinutes)
	}
	if s.ExpireAfterHours <= 0 {
		return errors.Newf("scheduler.expire_after_hours must be > 0, got %d", s.ExpireAfterHours)
	}
	if s.DefaultMaxRetries < 0 {
		return errors.Newf("scheduler.default_max_retries must be >= 0, got %d", s.DefaultMaxRetries)
	}
	if s.RetryBackoffSeconds <= 0 {
		return errors.Newf("scheduler.retry_backoff_seconds must be > 0, got %d", s.RetryBackoffSeconds)
	}

	p := c.Poster
	if p.ComposeURL == "" {
		return errors.New("poster.compose_url cannot be empty")
	}
	if p.ThreadIDPattern != "" {
		if _, err := regexp.Compile(p.ThreadIDPattern); err != nil {
			return errors.Wrapf(err, "poster.thread_id_pattern %q", p.ThreadIDPattern)
		}
	}
	if p.MinDelayMS < 0 || p.MaxDelayMS < p.MinDelayMS {
		return errors.Newf("poster delays must satisfy 0 <= min_delay_ms <= max_delay_ms, got %d..%d", p.MinDelayMS, p.MaxDelayMS)
	}
	if p.MinChunk < 1 || p.MaxChunk < p.MinChunk {
		return errors.Newf("poster chunks must satisfy 1 <= min_chunk <= max_chunk, got %d..%d", p.MinChunk, p.MaxChunk)
	}
	if p.ActionsPerMinute < 0 {
		return errors.Newf("poster.actions_per_minute must be >= 0, got %f", p.ActionsPerMinute)
	}
	if p.StepAttempts < 1 {
		return errors.Newf("poster.step_attempts must be >= 1, got %d", p.StepAttempts)
	}
	if p.SettleTimeoutSeconds <= 0 {
		return errors.Newf("poster.settle_timeout_seconds must be > 0, got %d", p.SettleTimeoutSeconds)
	}

	if c.Driver.CallTimeoutSeconds <= 0 {
		return errors.Newf("driver.call_timeout_seconds must be > 0, got %d", c.Driver.CallTimeoutSeconds)
	}
	return nil
}

// Location resolves store.timezone; empty and "Local" mean the host zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Store.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Store.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "store.timezone %q", c.Store.Timezone)
	}
	return loc, nil
}
