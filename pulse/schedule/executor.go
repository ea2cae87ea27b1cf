package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/util"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/jobs"
)

// Poster performs one publishing attempt. Expected failures come back as a
// failed Outcome, never as a panic or error.
type Poster interface {
	Post(ctx context.Context, job jobs.Job) jobs.Outcome
}

// PosterFunc adapts a function to Poster
type PosterFunc func(ctx context.Context, job jobs.Job) jobs.Outcome

// Post calls f
func (f PosterFunc) Post(ctx context.Context, job jobs.Job) jobs.Outcome {
	return f(ctx, job)
}

// Result describes what one Run did.
type Result struct {
	Job      jobs.Job
	Outcome  jobs.Outcome
	Decision *jobs.Decision // nil on success or discard
	// The job was removed or cancelled mid-flight and the result was dropped
	Discarded bool
}

// Executor runs one job end-to-end: running, one poster attempt, then the
// retry decision. It never retries within itself; a retry goes back to the
// ready pool.
type Executor struct {
	manager  *jobs.Manager
	poster   Poster
	recorder Recorder
	log      *zap.SugaredLogger
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(manager *jobs.Manager, poster Poster, recorder Recorder, log *zap.SugaredLogger) *Executor {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Executor{manager: manager, poster: poster, recorder: recorder, log: log}
}

// Run executes job id. An error before the attempt (the job could not be
// marked running) means the poster was not called. An error after it is a
// persistence failure; the in-memory result stands and is flushed later.
func (e *Executor) Run(ctx context.Context, id string) (Result, error) {
	started := e.manager.Now()
	job, err := e.manager.MarkRunning(id, started)
	if err != nil {
		return Result{}, errors.Wrapf(err, "start job %s", id)
	}

	ctx = logger.WithJobID(ctx, job.ID)
	ctx = logger.WithAccountID(ctx, job.AccountID)
	log := logger.AddPostSymbol(logger.FromContext(ctx, e.log))
	log.Infow("Executing job",
		logger.FieldAttempt, job.Attempt(),
		logger.FieldMaxRetries, job.MaxRetries,
		logger.FieldPriority, job.Priority.String(),
	)

	outcome := e.post(ctx, job, log).Normalize()
	finished := e.manager.Now()

	res := Result{Outcome: outcome}
	var persistErr error
	if outcome.OK() {
		res.Job, persistErr = e.manager.Complete(id, outcome.ThreadID, finished)
	} else {
		var d jobs.Decision
		res.Job, d, persistErr = e.manager.ApplyFailure(id, *outcome.Failure, finished)
		if persistErr == nil || jobs.IsStorageError(persistErr) {
			res.Decision = &d
		}
	}

	if errors.Is(persistErr, jobs.ErrJobNotFound) || errors.Is(persistErr, jobs.ErrNotRunning) {
		log.Warnw("Discarding result of a job removed or cancelled mid-flight",
			logger.FieldError, persistErr,
			"published", outcome.OK(),
			logger.FieldThreadID, outcome.ThreadID,
		)
		res.Discarded = true
		res.Job = job
		e.recorder.Record(e.execution(job, res, started, finished))
		return res, nil
	}

	e.recorder.Record(e.execution(job, res, started, finished))
	e.logResult(log, res, finished.Sub(started))

	if persistErr != nil {
		return res, errors.Wrapf(persistErr, "persist result of job %s", id)
	}
	return res, nil
}

// post calls the poster, turning a panic into a retryable failure
func (e *Executor) post(ctx context.Context, job jobs.Job, log *zap.SugaredLogger) (out jobs.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("Poster panicked",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = jobs.Fail(jobs.ErrorCodeUnknown, "post", fmt.Sprintf("poster panicked: %v", r), true)
		}
	}()
	return e.poster.Post(ctx, job)
}

func (e *Executor) logResult(log *zap.SugaredLogger, res Result, took time.Duration) {
	if res.Outcome.OK() {
		log.Infow("Job published",
			logger.FieldThreadID, res.Outcome.ThreadID,
			logger.FieldDurationMS, took.Milliseconds(),
		)
		return
	}

	f := res.Outcome.Failure
	fields := []interface{}{
		logger.FieldErrorCode, f.Code,
		logger.FieldStage, f.Stage,
		logger.FieldError, f.Reason,
		logger.FieldStatus, res.Job.Status,
		logger.FieldRetryCount, res.Job.RetryCount,
		logger.FieldDurationMS, took.Milliseconds(),
	}
	if res.Decision != nil && res.Decision.Retrying() {
		fields = append(fields,
			logger.FieldBackoff, res.Decision.Backoff.String(),
			logger.FieldScheduled, res.Decision.NextAttempt,
		)
		log.Warnw("Attempt failed; retry scheduled", fields...)
		return
	}
	log.Errorw("Attempt failed; job is terminal", fields...)
}

func (e *Executor) execution(job jobs.Job, res Result, started, finished time.Time) Execution {
	exec := Execution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		AccountID:   job.AccountID,
		Attempt:     job.Attempt(),
		StartedAt:   started.UTC().Format(time.RFC3339),
		CompletedAt: util.Ptr(finished.UTC().Format(time.RFC3339)),
		DurationMs:  util.Ptr(int(finished.Sub(started).Milliseconds())),
		CreatedAt:   finished.UTC().Format(time.RFC3339),
	}

	switch {
	case res.Discarded:
		exec.Status = ExecutionStatusDiscarded
	case res.Outcome.OK():
		exec.Status = ExecutionStatusCompleted
	case res.Job.Status == jobs.StatusScheduled:
		exec.Status = ExecutionStatusRetrying
	case res.Job.Status == jobs.StatusExpired:
		exec.Status = ExecutionStatusExpired
	default:
		exec.Status = ExecutionStatusFailed
	}

	if res.Outcome.ThreadID != "" {
		exec.ThreadID = util.Ptr(res.Outcome.ThreadID)
	}
	if f := res.Outcome.Failure; f != nil {
		exec.ErrorCode = util.Ptr(string(f.Code))
		exec.ErrorStage = util.Ptr(f.Stage)
		exec.ErrorMessage = util.Ptr(f.Reason)
	}
	return exec
}
