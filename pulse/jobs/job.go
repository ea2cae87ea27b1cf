// Package jobs holds the scheduled publishing job model, its date-partitioned
// file store, the manager that owns the in-memory job table, and crash/stuck
// recovery.
package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/postpulse/errors"
)

const (
	// MaxContentLength is the maximum number of characters a post may carry
	MaxContentLength = 500
	// DefaultMaxRetries is used when a job is created without an explicit ceiling
	DefaultMaxRetries = 3
	// DefaultExpireAfter is how long past its scheduled time a job may still run
	DefaultExpireAfter = 24 * time.Hour
	// DefaultStuckAfter is how long a job may stay running before recovery resolves it
	DefaultStuckAfter = 30 * time.Minute
)

// Status represents the current lifecycle state of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusScheduled, StatusRunning,
		StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further automatic transition can leave this status
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority orders ready jobs; higher runs first
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// IsValid reports enum membership
func (p Priority) IsValid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "priority(" + strconv.Itoa(int(p)) + ")"
}

// ParsePriority accepts a priority name ("urgent") or its number ("4").
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Priority(n).IsValid() {
		return Priority(n), nil
	}
	return 0, errors.Newf("unknown priority %q (want low, normal, high or urgent)", s)
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	if !p.IsValid() {
		return nil, errors.Newf("invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name or number
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ErrorCode classifies why an attempt failed
type ErrorCode string

const (
	ErrorCodeSelectorMissing    ErrorCode = "selector_missing"
	ErrorCodeShadowFail         ErrorCode = "shadow_fail"
	ErrorCodePlatformError      ErrorCode = "platform_error"
	ErrorCodeAccountBlocked     ErrorCode = "account_blocked"
	ErrorCodeSessionUnavailable ErrorCode = "session_unavailable"
	ErrorCodeTimeout            ErrorCode = "timeout"
	ErrorCodeStuck              ErrorCode = "stuck"
	ErrorCodeCrashed            ErrorCode = "crashed"
	ErrorCodeUnknown            ErrorCode = "unknown"
)

// JobError is the structured record of the failure that ended an attempt
type JobError struct {
	Code      ErrorCode `json:"code"`
	Stage     string    `json:"stage,omitempty"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// Job is one scheduled publishing action for one account.
type Job struct {
	ID            string     `json:"job_id"`
	AccountID     string     `json:"account_id"`
	Content       string     `json:"content"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	StatusMessage string     `json:"status_message"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ThreadID      string     `json:"thread_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Error         *JobError  `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share pointers with the job table
func (j Job) Clone() Job {
	c := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

// EffectiveTime is the instant the job is filed under: completion if set, else schedule.
func (j Job) EffectiveTime() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.ScheduledTime
}

// IsExpired reports whether the job missed its window and can no longer run
func (j Job) IsExpired(now time.Time, expireAfter time.Duration) bool {
	if j.Status == StatusCompleted {
		return false
	}
	return now.Sub(j.ScheduledTime) > expireAfter
}

// IsReady reports whether the job is waiting to run and its time has come
func (j Job) IsReady(now time.Time, expireAfter time.Duration) bool {
	return j.Status == StatusScheduled &&
		!now.Before(j.ScheduledTime) &&
		!j.IsExpired(now, expireAfter)
}

// IsStuck reports whether a running job has exceeded the running ceiling
func (j Job) IsStuck(now time.Time, ceiling time.Duration) bool {
	return j.Status == StatusRunning && j.StartedAt != nil && now.Sub(*j.StartedAt) > ceiling
}

// Attempt is the 1-based number of the attempt the job is on
func (j Job) Attempt() int {
	return j.RetryCount + 1
}

// ShortID returns the first 8 characters of the ID for log lines
func (j Job) ShortID() string {
	if len(j.ID) > 8 {
		return j.ID[:8]
	}
	return j.ID
}

func (j *Job) touch(now time.Time) {
	j.UpdatedAt = now
}

func (j *Job) start(now time.Time) {
	j.Status = StatusRunning
	j.StartedAt = &now
	j.StatusMessage = fmt.Sprintf("attempt %d of %d started", j.Attempt(), j.MaxRetries+1)
	j.touch(now)
}

func (j *Job) complete(threadID string, now time.Time) {
	j.Status = StatusCompleted
	j.ThreadID = threadID
	j.CompletedAt = &now
	j.Error = nil
	j.StatusMessage = fmt.Sprintf("published on attempt %d as thread %s", j.Attempt(), threadID)
	j.touch(now)
}

func (j *Job) expire(now time.Time, expireAfter time.Duration) {
	late := now.Sub(j.ScheduledTime).Round(time.Minute)
	j.StatusMessage = fmt.Sprintf("expired: scheduled time passed %s ago without a successful run (limit %s)", late, expireAfter)
	j.Status = StatusExpired
	j.touch(now)
}

func (j *Job) cancel(reason string, now time.Time) {
	if reason == "" {
		reason = "cancelled by operator"
	}
	j.StatusMessage = fmt.Sprintf("cancelled while %s: %s", j.Status, reason)
	j.Status = StatusCancelled
	j.touch(now)
}
