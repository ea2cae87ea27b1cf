package jobs

import (
	"fmt"
	"time"
)

// DefaultBackoffBase yields 2, 4 and 8 minutes for retries 1, 2 and 3.
const DefaultBackoffBase = time.Minute

// RetryPolicy decides what a failed or abandoned attempt turns into.
type RetryPolicy struct {
	Base time.Duration
}

// DefaultRetryPolicy returns the 2^n minute policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultBackoffBase}
}

// Backoff returns Base * 2^retry
func (p RetryPolicy) Backoff(retry int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if retry < 0 {
		retry = 0
	}
	return base << uint(retry)
}

// Decision is the result of applying the retry policy to a failure.
type Decision struct {
	Status      Status
	RetryCount  int
	Backoff     time.Duration
	NextAttempt time.Time
	Message     string
}

// Retrying reports whether the job went back to the ready pool
func (d Decision) Retrying() bool {
	return d.Status == StatusScheduled
}

// Decide computes the retry-or-fail decision for job after failure f at now.
// The job is not modified.
func (p RetryPolicy) Decide(job Job, f Failure, now time.Time) Decision {
	attempt := job.Attempt()
	switch {
	case !f.Retryable:
		return Decision{
			Status:     StatusFailed,
			RetryCount: job.RetryCount,
			Message:    fmt.Sprintf("attempt %d failed permanently (%s); not retrying", attempt, f),
		}
	case job.RetryCount >= job.MaxRetries:
		return Decision{
			Status:     StatusFailed,
			RetryCount: job.RetryCount,
			Message:    fmt.Sprintf("attempt %d failed (%s); all %d retries used", attempt, f, job.MaxRetries),
		}
	}

	retry := job.RetryCount + 1
	backoff := p.Backoff(retry)
	next := now.Add(backoff)
	return Decision{
		Status:      StatusScheduled,
		RetryCount:  retry,
		Backoff:     backoff,
		NextAttempt: next,
		Message: fmt.Sprintf("attempt %d failed (%s); retry %d/%d in %s at %s",
			attempt, f, retry, job.MaxRetries, backoff, next.Format(time.RFC3339)),
	}
}

func (j *Job) apply(d Decision, f Failure, now time.Time) {
	j.Status = d.Status
	j.RetryCount = d.RetryCount
	j.StatusMessage = d.Message
	j.Error = &JobError{
		Code:      f.Code,
		Stage:     f.Stage,
		Message:   f.Reason,
		Retryable: f.Retryable,
		At:        now,
	}
	if d.Retrying() {
		j.ScheduledTime = d.NextAttempt
		j.StartedAt = nil
	}
	j.touch(now)
}
