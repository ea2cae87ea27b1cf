package schedule

// Execution records a single attempt at publishing a scheduled post.
//
// Each time the executor runs a job, one Execution is written to the
// post_executions table to track:
// - Timing (started_at, completed_at, duration)
// - What the attempt turned into (completed, retrying, failed, expired, discarded)
// - The verified thread ID or the structured failure
//
// The job table only keeps the latest state of a job; this is its history.
type Execution struct {
	// Identity
	ID        string `json:"id"`
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id"`
	Attempt   int    `json:"attempt"` // 1-based

	Status string `json:"status"`

	// Result
	ThreadID     *string `json:"thread_id,omitempty"`
	ErrorCode    *string `json:"error_code,omitempty"`
	ErrorStage   *string `json:"error_stage,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	// Timing
	StartedAt   string  `json:"started_at"`             // RFC3339 timestamp
	CompletedAt *string `json:"completed_at,omitempty"` // RFC3339 timestamp
	DurationMs  *int    `json:"duration_ms,omitempty"`

	CreatedAt string `json:"created_at"`
}

// Execution status constants for type safety
const (
	ExecutionStatusCompleted = "completed"
	ExecutionStatusRetrying  = "retrying"
	ExecutionStatusFailed    = "failed"
	ExecutionStatusExpired   = "expired"
	// The job was removed or cancelled while the attempt was in flight
	ExecutionStatusDiscarded = "discarded"
)
