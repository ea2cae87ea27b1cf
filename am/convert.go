package am

import (
	"time"

	"github.com/teranos/postpulse/poster"
	"github.com/teranos/postpulse/pulse/jobs"
	"github.com/teranos/postpulse/pulse/schedule"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// JobsConfig returns the job table settings
func (c *Config) JobsConfig() jobs.Config {
	s := c.Scheduler
	return jobs.Config{
		ExpireAfter:       time.Duration(s.ExpireAfterHours) * time.Hour,
		StuckAfter:        time.Duration(s.StuckAfterMinutes) * time.Minute,
		DefaultMaxRetries: s.DefaultMaxRetries,
		Retry:             jobs.RetryPolicy{Base: seconds(s.RetryBackoffSeconds)},
	}
}

// ScheduleConfig returns the loop settings
func (c *Config) ScheduleConfig() schedule.Config {
	return schedule.Config{
		PollInterval: seconds(c.Scheduler.PollIntervalSeconds),
		ErrorBackoff: seconds(c.Scheduler.ErrorBackoffSeconds),
	}
}

// PosterConfig returns the state machine settings on top of its defaults
func (c *Config) PosterConfig() poster.Config {
	p := c.Poster
	cfg := poster.DefaultConfig()
	cfg.ComposeURL = p.ComposeURL
	cfg.ProfileURLTemplate = p.ProfileURLTemplate
	if p.ThreadIDPattern != "" {
		cfg.ThreadIDPattern = p.ThreadIDPattern
	}
	if p.WaitTimeoutSeconds > 0 {
		cfg.WaitTimeout = seconds(p.WaitTimeoutSeconds)
	}
	cfg.SettleTimeout = seconds(p.SettleTimeoutSeconds)
	cfg.StepAttempts = p.StepAttempts
	if p.NonRetryablePhrases != nil {
		cfg.NonRetryablePhrases = p.NonRetryablePhrases
	}

	cfg.Pacing.MinDelay = time.Duration(p.MinDelayMS) * time.Millisecond
	cfg.Pacing.MaxDelay = time.Duration(p.MaxDelayMS) * time.Millisecond
	cfg.Pacing.MinChunk = p.MinChunk
	cfg.Pacing.MaxChunk = p.MaxChunk
	cfg.Pacing.MaxPointerOffset = p.MaxPointerOffset
	cfg.Pacing.ActionsPerMinute = p.ActionsPerMinute
	return cfg
}

// DriverCallTimeout returns the per-call budget for the browser driver
func (c *Config) DriverCallTimeout() time.Duration {
	return seconds(c.Driver.CallTimeoutSeconds)
}

// ExecutionRetention returns how long execution history is kept; 0 keeps it forever
func (c *Config) ExecutionRetention() time.Duration {
	return time.Duration(c.Database.RetainDays) * 24 * time.Hour
}
