package jobs

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teranos/postpulse/errors"
)

// NewJob carries the caller-supplied fields for Manager.Add.
// Zero Priority means normal; nil MaxRetries means the manager default.
type NewJob struct {
	AccountID     string
	Content       string
	ScheduledTime time.Time
	Priority      Priority
	MaxRetries    *int
}

// ValidationError identifies the field that made a job unacceptable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match errors.ErrInvalidRequest
func (e *ValidationError) Unwrap() error {
	return errors.ErrInvalidRequest
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks every field against the job invariants relative to now.
func (n NewJob) Validate(now time.Time) error {
	if strings.TrimSpace(n.AccountID) == "" {
		return invalid("account_id", "must not be empty")
	}
	if strings.TrimSpace(n.Content) == "" {
		return invalid("content", "must not be empty")
	}
	if length := utf8.RuneCountInString(n.Content); length > MaxContentLength {
		return invalid("content", "%d characters exceeds the %d character limit", length, MaxContentLength)
	}
	if n.ScheduledTime.IsZero() {
		return invalid("scheduled_time", "must be set")
	}
	earliest, latest := now.AddDate(-1, 0, 0), now.AddDate(1, 0, 0)
	if n.ScheduledTime.Before(earliest) || n.ScheduledTime.After(latest) {
		return invalid("scheduled_time", "%s is more than one year from now", n.ScheduledTime.Format(time.RFC3339))
	}
	if n.Priority != 0 && !n.Priority.IsValid() {
		return invalid("priority", "%d is not one of low(1), normal(2), high(3), urgent(4)", int(n.Priority))
	}
	if n.MaxRetries != nil && *n.MaxRetries < 0 {
		return invalid("max_retries", "must be >= 0, got %d", *n.MaxRetries)
	}
	return nil
}
