package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_JSONByName(t *testing.T) {
	data, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityUrgent})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"urgent"}`, string(data))

	var decoded struct {
		P Priority `json:"p"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"p":"high"}`), &decoded))
	assert.Equal(t, PriorityHigh, decoded.P)

	require.Error(t, json.Unmarshal([]byte(`{"p":"critical"}`), &decoded))
}

func TestParsePriority(t *testing.T) {
	tests := map[string]Priority{
		"low":    PriorityLow,
		"NORMAL": PriorityNormal,
		" high ": PriorityHigh,
		"4":      PriorityUrgent,
		"1":      PriorityLow,
	}
	for in, want := range tests {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("5")
	assert.Error(t, err)
	_, err = ParsePriority("")
	assert.Error(t, err)
}

func TestJob_Readiness(t *testing.T) {
	now := baseTime
	j := Job{Status: StatusScheduled, ScheduledTime: now}

	assert.True(t, j.IsReady(now, DefaultExpireAfter), "due exactly now")
	assert.False(t, j.IsReady(now.Add(-time.Second), DefaultExpireAfter), "not yet due")

	j.ScheduledTime = now.Add(-24 * time.Hour)
	assert.False(t, j.IsExpired(now, DefaultExpireAfter), "exactly 24h late is still in window")
	assert.True(t, j.IsReady(now, DefaultExpireAfter))

	j.ScheduledTime = now.Add(-24*time.Hour - time.Second)
	assert.True(t, j.IsExpired(now, DefaultExpireAfter))
	assert.False(t, j.IsReady(now, DefaultExpireAfter))

	j.Status = StatusCompleted
	assert.False(t, j.IsExpired(now, DefaultExpireAfter), "completed jobs never expire")
}

func TestJob_Stuck(t *testing.T) {
	started := baseTime
	j := Job{Status: StatusRunning, StartedAt: &started}

	assert.False(t, j.IsStuck(started.Add(30*time.Minute), DefaultStuckAfter))
	assert.True(t, j.IsStuck(started.Add(31*time.Minute), DefaultStuckAfter))

	j.Status = StatusScheduled
	assert.False(t, j.IsStuck(started.Add(time.Hour), DefaultStuckAfter))
}

func TestJob_CloneIsDeep(t *testing.T) {
	started := baseTime
	j := Job{ID: "a", StartedAt: &started, Error: &JobError{Code: ErrorCodeTimeout}}

	c := j.Clone()
	*c.StartedAt = started.Add(time.Hour)
	c.Error.Code = ErrorCodeUnknown

	assert.Equal(t, baseTime, *j.StartedAt)
	assert.Equal(t, ErrorCodeTimeout, j.Error.Code)
}

func TestOutcome_Normalize(t *testing.T) {
	assert.True(t, Success("abc").OK())

	empty := Success("").Normalize()
	require.NotNil(t, empty.Failure)
	assert.Equal(t, ErrorCodeShadowFail, empty.Failure.Code)
	assert.True(t, empty.Failure.Retryable)

	failed := Fail(ErrorCodeAccountBlocked, "classify", "account suspended", false)
	assert.Equal(t, failed, failed.Normalize())
	assert.False(t, failed.OK())
}
