package jobs

import "fmt"

// Failure describes why one execution attempt did not publish.
type Failure struct {
	Code      ErrorCode
	Stage     string
	Reason    string
	Retryable bool
}

func (f Failure) String() string {
	if f.Stage != "" {
		return fmt.Sprintf("%s at %s: %s", f.Code, f.Stage, f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

// Outcome is what a poster reports for one attempt: a verified thread ID or a Failure.
type Outcome struct {
	ThreadID string
	Failure  *Failure
}

// Success builds a verified outcome
func Success(threadID string) Outcome {
	return Outcome{ThreadID: threadID}
}

// Fail builds a failed outcome
func Fail(code ErrorCode, stage, reason string, retryable bool) Outcome {
	return Outcome{Failure: &Failure{Code: code, Stage: stage, Reason: reason, Retryable: retryable}}
}

// OK reports a verified success. A success without a thread ID is not one.
func (o Outcome) OK() bool {
	return o.Failure == nil && o.ThreadID != ""
}

// Normalize turns an unverifiable success into the shadow-fail it really is.
func (o Outcome) Normalize() Outcome {
	if o.Failure == nil && o.ThreadID == "" {
		return Fail(ErrorCodeShadowFail, "verify", "poster reported success without a thread id", true)
	}
	return o
}
