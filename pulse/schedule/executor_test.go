package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/pulse/jobs"
)

func TestExecutor_Success(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	rec := &memRecorder{}
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	var sawRunning bool
	poster := PosterFunc(func(ctx context.Context, job jobs.Job) jobs.Outcome {
		got, err := m.Get(job.ID)
		require.NoError(t, err)
		sawRunning = got.Status == jobs.StatusRunning && got.StartedAt != nil
		return jobs.Success("3141")
	})

	res, err := NewExecutor(m, poster, rec, nil).Run(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, sawRunning, "job is running while the poster works")
	assert.Equal(t, jobs.StatusCompleted, res.Job.Status)
	assert.Equal(t, "3141", res.Job.ThreadID)
	assert.Nil(t, res.Decision)

	execs := rec.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.Equal(t, 1, execs[0].Attempt)
	require.NotNil(t, execs[0].ThreadID)
	assert.Equal(t, "3141", *execs[0].ThreadID)
}

func TestExecutor_ShadowFailSchedulesRetry(t *testing.T) {
	m, clock := newTestManager(t, t.TempDir())
	rec := &memRecorder{}
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	res, err := NewExecutor(m, newScriptedPoster(jobs.Success("")), rec, nil).Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusScheduled, res.Job.Status)
	assert.Equal(t, 1, res.Job.RetryCount)
	assert.Equal(t, clock.Now().Add(2*time.Minute), res.Job.ScheduledTime)
	assert.Equal(t, jobs.ErrorCodeShadowFail, res.Job.Error.Code)
	require.NotNil(t, res.Decision)
	assert.True(t, res.Decision.Retrying())
	assert.Empty(t, res.Job.ThreadID)

	execs := rec.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusRetrying, execs[0].Status)
	assert.Equal(t, string(jobs.ErrorCodeShadowFail), *execs[0].ErrorCode)
}

func TestExecutor_NonRetryableFailure(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	poster := newScriptedPoster(jobs.Fail(jobs.ErrorCodeAccountBlocked, "classify", "this account is suspended", false))
	res, err := NewExecutor(m, poster, nil, nil).Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusFailed, res.Job.Status)
	assert.Zero(t, res.Job.RetryCount)
	assert.Contains(t, res.Job.StatusMessage, "not retrying")
}

func TestExecutor_PanickingPosterIsRetryable(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	poster := PosterFunc(func(context.Context, jobs.Job) jobs.Outcome {
		panic("driver exploded")
	})
	res, err := NewExecutor(m, poster, nil, nil).Run(context.Background(), j.ID)
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusScheduled, res.Job.Status)
	assert.Contains(t, res.Job.Error.Message, "driver exploded")
	_, running := m.Running()
	assert.False(t, running)
}

func TestExecutor_RemovedMidFlightIsDiscarded(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	rec := &memRecorder{}
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	poster := PosterFunc(func(_ context.Context, job jobs.Job) jobs.Outcome {
		require.NoError(t, m.Remove(job.ID))
		return jobs.Success("999")
	})

	res, err := NewExecutor(m, poster, rec, nil).Run(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, res.Discarded)

	_, err = m.Get(j.ID)
	assert.True(t, errors.Is(err, jobs.ErrJobNotFound))

	execs := rec.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusDiscarded, execs[0].Status)
}

func TestExecutor_RefusesSecondRunningJob(t *testing.T) {
	m, clock := newTestManager(t, t.TempDir())
	a := addJob(t, m, "a", baseTime, jobs.PriorityNormal)
	b := addJob(t, m, "b", baseTime, jobs.PriorityNormal)
	_, err := m.MarkRunning(a.ID, clock.Now())
	require.NoError(t, err)

	poster := newScriptedPoster()
	_, err = NewExecutor(m, poster, nil, nil).Run(context.Background(), b.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrAlreadyRunning))
	assert.Empty(t, poster.Seen(), "poster must not be called")
}
