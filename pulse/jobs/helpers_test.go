package jobs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
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

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	return NewStore(dir, time.UTC, zap.NewNop().Sugar())
}

func newTestManager(t *testing.T) (*Manager, *mockClock) {
	t.Helper()
	return newTestManagerIn(t, t.TempDir(), newMockClock(baseTime))
}

func newTestManagerIn(t *testing.T, dir string, clock *mockClock) (*Manager, *mockClock) {
	t.Helper()
	m := NewManagerWithClock(newTestStore(t, dir), DefaultConfig(), zap.NewNop().Sugar(), clock.Now)
	require.NoError(t, m.Load())
	return m, clock
}

func addJob(t *testing.T, m *Manager, account string, at time.Time, priority Priority) Job {
	t.Helper()
	j, err := m.Add(NewJob{
		AccountID:     account,
		Content:       "hello from " + account,
		ScheduledTime: at,
		Priority:      priority,
	})
	require.NoError(t, err)
	return j
}

func intPtr(n int) *int { return &n }
