package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/pulse/jobs"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, dir string) (*jobs.Manager, *mockClock) {
	t.Helper()
	clock := &mockClock{now: baseTime}
	store := jobs.NewStore(dir, time.UTC, nil)
	m := jobs.NewManagerWithClock(store, jobs.DefaultConfig(), zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, m.Load())
	return m, clock
}

func addJob(t *testing.T, m *jobs.Manager, account string, at time.Time, p jobs.Priority) jobs.Job {
	t.Helper()
	j, err := m.Add(jobs.NewJob{AccountID: account, Content: "post for " + account, ScheduledTime: at, Priority: p})
	require.NoError(t, err)
	return j
}

// scriptedPoster returns queued outcomes in order and records what it saw
type scriptedPoster struct {
	mu       sync.Mutex
	outcomes []jobs.Outcome
	seen     []jobs.Job
	called   chan string
}

func newScriptedPoster(outcomes ...jobs.Outcome) *scriptedPoster {
	return &scriptedPoster{outcomes: outcomes, called: make(chan string, 16)}
}

func (p *scriptedPoster) Post(_ context.Context, job jobs.Job) jobs.Outcome {
	p.mu.Lock()
	p.seen = append(p.seen, job)
	out := jobs.Success("T-" + job.ID[:8])
	if len(p.outcomes) > 0 {
		out, p.outcomes = p.outcomes[0], p.outcomes[1:]
	}
	p.mu.Unlock()

	select {
	case p.called <- job.ID:
	default:
	}
	return out
}

func (p *scriptedPoster) Seen() []jobs.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]jobs.Job(nil), p.seen...)
}

// memRecorder keeps executions in memory
type memRecorder struct {
	mu      sync.Mutex
	execs   []Execution
	flushed int
}

func (r *memRecorder) Record(e Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs = append(r.execs, e)
}

func (r *memRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
	return nil
}

func (r *memRecorder) Executions() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Execution(nil), r.execs...)
}
