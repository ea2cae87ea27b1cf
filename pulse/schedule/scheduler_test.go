package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/postpulse/pulse/jobs"
)

func TestTick_HappyPath(t *testing.T) {
	m, clock := newTestManager(t, t.TempDir())
	s := New(m, nil, DefaultConfig(), nil)
	j, err := s.AddJob(jobs.NewJob{AccountID: "acct", Content: "hello", ScheduledTime: clock.Now(), Priority: jobs.PriorityNormal})
	require.NoError(t, err)

	ran, err := s.Tick(context.Background(), NewExecutor(m, newScriptedPoster(), nil, nil))
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := m.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.ThreadID)
	require.NotNil(t, got.CompletedAt)
}

func TestTick_PriorityOrdering(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	s := New(m, nil, DefaultConfig(), nil)
	high := addJob(t, m, "a", baseTime.Add(-time.Minute), jobs.PriorityHigh)
	urgent := addJob(t, m, "b", baseTime, jobs.PriorityUrgent)

	poster := newScriptedPoster()
	exec := NewExecutor(m, poster, nil, nil)
	for i := 0; i < 2; i++ {
		ran, err := s.Tick(context.Background(), exec)
		require.NoError(t, err)
		require.True(t, ran)
	}

	seen := poster.Seen()
	require.Len(t, seen, 2)
	assert.Equal(t, urgent.ID, seen[0].ID)
	assert.Equal(t, high.ID, seen[1].ID)
}

func TestTick_ExpiresAndRecoversBeforeSelecting(t *testing.T) {
	m, clock := newTestManager(t, t.TempDir())
	s := New(m, nil, DefaultConfig(), nil)

	stale := addJob(t, m, "a", baseTime.Add(-25*time.Hour), jobs.PriorityUrgent)
	stuck := addJob(t, m, "b", baseTime, jobs.PriorityNormal)
	_, err := m.MarkRunning(stuck.ID, clock.Now())
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	poster := newScriptedPoster()
	ran, err := s.Tick(context.Background(), NewExecutor(m, poster, nil, nil))
	require.NoError(t, err)
	assert.False(t, ran, "stuck job is in backoff and the stale one expired")
	assert.Empty(t, poster.Seen())

	got, err := m.Get(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusExpired, got.Status)

	got, err = m.Get(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusScheduled, got.Status)
	assert.Equal(t, jobs.ErrorCodeStuck, got.Error.Code)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTick_NothingReady(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	s := New(m, nil, DefaultConfig(), nil)
	addJob(t, m, "a", baseTime.Add(time.Hour), jobs.PriorityNormal)

	ran, err := s.Tick(context.Background(), NewExecutor(m, newScriptedPoster(), nil, nil))
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int64(1), s.Status().Ticks)
}

func TestScheduler_StartRecoversCrashedJobs(t *testing.T) {
	dir := t.TempDir()
	prev, clock := newTestManager(t, dir)
	j := addJob(t, prev, "a", baseTime, jobs.PriorityNormal)
	_, err := prev.MarkRunning(j.ID, clock.Now())
	require.NoError(t, err)

	m, _ := newTestManager(t, dir)
	s := New(m, nil, Config{PollInterval: time.Hour}, nil)

	st, err := s.Start(context.Background(), newScriptedPoster())
	require.NoError(t, err)
	assert.True(t, st.Running)
	defer s.Stop()

	got, err := m.Get(j.ID)
	require.NoError(t, err)
	assert.NotEqual(t, jobs.StatusRunning, got.Status)
	assert.Equal(t, jobs.StatusScheduled, got.Status)
	assert.Equal(t, jobs.ErrorCodeCrashed, got.Error.Code)
}

func TestScheduler_RunsReadyJobAndStops(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestManager(t, dir)
	rec := &memRecorder{}
	s := New(m, rec, Config{PollInterval: time.Hour, ErrorBackoff: time.Hour}, nil)
	j := addJob(t, m, "acct", baseTime, jobs.PriorityNormal)

	poster := newScriptedPoster()
	_, err := s.Start(context.Background(), poster)
	require.NoError(t, err)

	select {
	case id := <-poster.called:
		assert.Equal(t, j.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never ran the ready job")
	}

	// The loop is sleeping for an hour; stop must still return promptly
	stopped := make(chan State, 1)
	go func() {
		st, err := s.Stop()
		assert.NoError(t, err)
		stopped <- st
	}()
	select {
	case st := <-stopped:
		assert.False(t, st.Running)
		assert.Equal(t, 1, st.Jobs[jobs.StatusCompleted])
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not interrupt the sleep")
	}
	assert.Equal(t, 1, rec.flushed)

	reloaded, _ := newTestManager(t, dir)
	got, err := reloaded.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	s := New(m, nil, Config{PollInterval: time.Hour}, nil)

	st, err := s.Stop()
	require.NoError(t, err)
	assert.False(t, st.Running)

	first, err := s.Start(context.Background(), newScriptedPoster())
	require.NoError(t, err)
	second, err := s.Start(context.Background(), newScriptedPoster())
	require.NoError(t, err)
	assert.True(t, second.Running)
	assert.Equal(t, first.StartedAt, second.StartedAt)

	_, err = s.Stop()
	require.NoError(t, err)
	st, err = s.Stop()
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestScheduler_StartRequiresPoster(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	_, err := New(m, nil, DefaultConfig(), nil).Start(context.Background(), nil)
	assert.Error(t, err)
}

func TestScheduler_AdminSurface(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	s := New(m, nil, DefaultConfig(), nil)

	a := addJob(t, m, "a", baseTime, jobs.PriorityLow)
	b := addJob(t, m, "b", baseTime.Add(time.Hour), jobs.PriorityUrgent)

	assert.Len(t, s.ListJobs(jobs.Filter{}), 2)
	assert.Equal(t, []string{a.ID}, []string{s.ReadyJobs()[0].ID})

	_, err := s.CancelJob(a.ID, "")
	require.NoError(t, err)
	require.NoError(t, s.RemoveJob(b.ID))
	assert.Empty(t, s.ReadyJobs())
	assert.Len(t, s.ListJobs(jobs.Filter{Status: jobs.StatusCancelled}), 1)
}

func TestSleepInterruptible(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleep(ctx, time.Hour))
	assert.True(t, sleep(context.Background(), time.Millisecond))
}

func TestCurrentSystemMetrics(t *testing.T) {
	orig := memoryStats
	defer func() { memoryStats = orig }()

	memoryStats = func() (uint64, uint64, error) { return 8 * bytesPerGB, 2 * bytesPerGB, nil }
	m := CurrentSystemMetrics()
	assert.InDelta(t, 8.0, m.MemoryTotalGB, 0.001)
	assert.InDelta(t, 6.0, m.MemoryUsedGB, 0.001)
	assert.InDelta(t, 75.0, m.MemoryPercent, 0.001)
}
