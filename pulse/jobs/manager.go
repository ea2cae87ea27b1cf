package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
)

var (
	// ErrJobNotFound is returned for an unknown job ID
	ErrJobNotFound = errors.Wrap(errors.ErrNotFound, "job")
	// ErrAlreadyRunning is returned when a second job would enter running
	ErrAlreadyRunning = errors.Wrap(errors.ErrConflict, "another job is already running")
	// ErrNotRunnable is returned when MarkRunning targets a job that is not scheduled
	ErrNotRunnable = errors.Wrap(errors.ErrConflict, "job is not scheduled")
	// ErrNotRunning is returned when a result arrives for a job that is no longer running
	ErrNotRunning = errors.New("job is not running")
)

// Config holds the timing and retry knobs of the job table.
type Config struct {
	ExpireAfter       time.Duration
	StuckAfter        time.Duration
	DefaultMaxRetries int
	Retry             RetryPolicy
}

// DefaultConfig returns a 24h expiry window, a 30m running ceiling,
// 3 retries and 2^n minute backoff.
func DefaultConfig() Config {
	return Config{
		ExpireAfter:       DefaultExpireAfter,
		StuckAfter:        DefaultStuckAfter,
		DefaultMaxRetries: DefaultMaxRetries,
		Retry:             DefaultRetryPolicy(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExpireAfter <= 0 {
		c.ExpireAfter = d.ExpireAfter
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = d.StuckAfter
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	if c.Retry.Base <= 0 {
		c.Retry = d.Retry
	}
	return c
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	AccountID string
	Status    Status
}

func (f Filter) matches(j *Job) bool {
	if f.AccountID != "" && j.AccountID != f.AccountID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	return true
}

// Manager owns the in-memory job table. Every mutation goes through it under
// one mutex and is persisted through the Store; callers only ever receive copies.
type Manager struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	dirty map[string]struct{}

	store   *Store
	cfg     Config
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

// NewManager creates a manager backed by store
func NewManager(store *Store, cfg Config, log *zap.SugaredLogger) *Manager {
	return NewManagerWithClock(store, cfg, log, time.Now)
}

// NewManagerWithClock creates a manager with an injectable clock (for testing)
func NewManagerWithClock(store *Store, cfg Config, log *zap.SugaredLogger, now func() time.Time) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{
		jobs:    make(map[string]*Job),
		dirty:   make(map[string]struct{}),
		store:   store,
		cfg:     cfg.withDefaults(),
		timeNow: now,
		log:     log,
	}
}

// Config returns the effective configuration
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager clock's current time
func (m *Manager) Now() time.Time { return m.timeNow() }

// Load replaces the table with the store contents.
func (m *Manager) Load() error {
	loaded, err := m.store.Load()
	if err != nil {
		return errors.Wrap(err, "load jobs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*Job, len(loaded))
	m.dirty = make(map[string]struct{})
	for i := range loaded {
		j := loaded[i]
		if j.MaxRetries < 0 {
			j.MaxRetries = 0
		}
		if j.RetryCount > j.MaxRetries {
			j.RetryCount = j.MaxRetries
		}
		m.jobs[j.ID] = &j
	}
	m.log.Infow("Job table loaded", logger.FieldCount, len(m.jobs), logger.FieldPath, m.store.Dir())
	return nil
}

// Add validates fields, creates the job in scheduled and persists it.
func (m *Manager) Add(n NewJob) (Job, error) {
	now := m.timeNow()
	if err := n.Validate(now); err != nil {
		return Job{}, err
	}

	priority := n.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	maxRetries := m.cfg.DefaultMaxRetries
	if n.MaxRetries != nil {
		maxRetries = *n.MaxRetries
	}

	j := &Job{
		ID:            uuid.NewString(),
		AccountID:     n.AccountID,
		Content:       n.Content,
		ScheduledTime: n.ScheduledTime,
		Priority:      priority,
		Status:        StatusPending,
		StatusMessage: "created",
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	j.Status = StatusScheduled
	j.StatusMessage = fmt.Sprintf("scheduled for %s at %s priority (up to %d retries)",
		j.ScheduledTime.Format(time.RFC3339), j.Priority, j.MaxRetries)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs[j.ID] = j
	if err := m.persistLocked(m.store.PartitionKey(*j)); err != nil {
		delete(m.jobs, j.ID)
		return Job{}, err
	}

	m.log.Infow("Job scheduled",
		logger.FieldJobID, j.ID,
		logger.FieldAccountID, j.AccountID,
		logger.FieldPriority, j.Priority.String(),
		logger.FieldScheduled, j.ScheduledTime,
	)
	return j.Clone(), nil
}

// Remove deletes a job. Removing a running job does not stop its execution;
// the result is discarded when it arrives.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "remove %s", id)
	}
	delete(m.jobs, id)
	if err := m.persistLocked(m.store.PartitionKey(*j)); err != nil {
		m.jobs[id] = j
		return err
	}

	if j.Status == StatusRunning {
		m.log.Warnw("Removed a running job; its in-flight result will be discarded", logger.FieldJobID, id)
	} else {
		m.log.Infow("Job removed", logger.FieldJobID, id, logger.FieldStatus, j.Status)
	}
	return nil
}

// Cancel moves a job to cancelled from any state. Cancelling twice is a no-op.
func (m *Manager) Cancel(id, reason string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrJobNotFound, "cancel %s", id)
	}
	if j.Status == StatusCancelled {
		return j.Clone(), nil
	}

	before := j.Clone()
	j.cancel(reason, m.timeNow())
	if err := m.persistLocked(m.store.PartitionKey(before), m.store.PartitionKey(*j)); err != nil {
		*j = before
		return Job{}, err
	}

	m.log.Infow("Job cancelled", logger.FieldJobID, id, "previous_status", before.Status)
	return j.Clone(), nil
}

// Get returns a copy of one job
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrJobNotFound, "get %s", id)
	}
	return j.Clone(), nil
}

// List returns matching jobs, highest priority first, then earliest scheduled.
func (m *Manager) List(f Filter) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if f.matches(j) {
			out = append(out, j.Clone())
		}
	}
	SortJobs(out)
	return out
}

// ReadyJobs returns every job that may run at now, in selection order.
func (m *Manager) ReadyJobs(now time.Time) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.IsReady(now, m.cfg.ExpireAfter) {
			out = append(out, j.Clone())
		}
	}
	SortJobs(out)
	return out
}

// NextReady returns the job the scheduler should run next, if any.
func (m *Manager) NextReady(now time.Time) (Job, bool) {
	ready := m.ReadyJobs(now)
	if len(ready) == 0 {
		return Job{}, false
	}
	return ready[0], true
}

// CleanupExpired expires every non-terminal job that missed its window and
// persists the whole batch once. Running jobs are left to recovery.
func (m *Manager) CleanupExpired(now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		expired []Job
		keys    []string
	)
	for _, j := range m.jobs {
		if j.Status.IsTerminal() || j.Status == StatusRunning {
			continue
		}
		if !j.IsExpired(now, m.cfg.ExpireAfter) {
			continue
		}
		j.expire(now, m.cfg.ExpireAfter)
		keys = append(keys, m.store.PartitionKey(*j))
		expired = append(expired, j.Clone())
		m.log.Infow("Job expired",
			logger.FieldJobID, j.ID,
			logger.FieldAccountID, j.AccountID,
			logger.FieldScheduled, j.ScheduledTime,
		)
	}
	if len(expired) == 0 {
		return nil, nil
	}
	SortJobs(expired)
	return expired, m.persistOrMarkDirtyLocked(keys...)
}

// MarkRunning moves a scheduled job to running. It refuses while another job
// is running. If the running state cannot be persisted the job is left
// untouched and must not be executed.
func (m *Manager) MarkRunning(id string, now time.Time) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return Job{}, errors.Wrapf(ErrJobNotFound, "start %s", id)
	}
	for otherID, other := range m.jobs {
		if other.Status == StatusRunning && otherID != id {
			return Job{}, errors.Wrapf(ErrAlreadyRunning, "start %s while %s is running", id, otherID)
		}
	}
	if j.Status != StatusScheduled {
		return Job{}, errors.Wrapf(ErrNotRunnable, "start %s in status %s", id, j.Status)
	}

	before := j.Clone()
	j.start(now)
	if err := m.persistLocked(m.store.PartitionKey(*j)); err != nil {
		*j = before
		return Job{}, err
	}
	return j.Clone(), nil
}

// Complete records a verified success. The in-memory transition stands even
// when persisting fails; the partition stays dirty until the next flush.
func (m *Manager) Complete(id, threadID string, now time.Time) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.runningLocked(id)
	if err != nil {
		return Job{}, err
	}

	oldKey := m.store.PartitionKey(*j)
	j.complete(threadID, now)
	return j.Clone(), m.persistOrMarkDirtyLocked(oldKey, m.store.PartitionKey(*j))
}

// ApplyFailure applies the retry policy to a failed attempt of a running job.
// A job already past its expiry window expires instead of retrying.
func (m *Manager) ApplyFailure(id string, f Failure, now time.Time) (Job, Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.runningLocked(id)
	if err != nil {
		return Job{}, Decision{}, err
	}

	oldKey := m.store.PartitionKey(*j)
	d := m.resolveLocked(j, f, now)
	return j.Clone(), d, m.persistOrMarkDirtyLocked(oldKey, m.store.PartitionKey(*j))
}

func (m *Manager) runningLocked(id string) (*Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "result for %s", id)
	}
	if j.Status != StatusRunning {
		return nil, errors.Wrapf(ErrNotRunning, "result for %s in status %s", id, j.Status)
	}
	return j, nil
}

// resolveLocked applies the retry-or-fail decision to j in place.
func (m *Manager) resolveLocked(j *Job, f Failure, now time.Time) Decision {
	d := m.cfg.Retry.Decide(*j, f, now)
	if d.Retrying() && j.IsExpired(now, m.cfg.ExpireAfter) {
		j.apply(Decision{Status: StatusFailed, RetryCount: j.RetryCount}, f, now)
		j.expire(now, m.cfg.ExpireAfter)
		return Decision{Status: StatusExpired, RetryCount: j.RetryCount, Message: j.StatusMessage}
	}
	j.apply(d, f, now)
	return d
}

// Running returns the running job, if any
func (m *Manager) Running() (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			return j.Clone(), true
		}
	}
	return Job{}, false
}

// Stuck returns running jobs that exceeded ceiling at now
func (m *Manager) Stuck(now time.Time, ceiling time.Duration) []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if j.IsStuck(now, ceiling) {
			out = append(out, j.Clone())
		}
	}
	SortJobs(out)
	return out
}

// Snapshot returns a copy of every job
func (m *Manager) Snapshot() []Job {
	return m.List(Filter{})
}

// Stats counts jobs per status
func (m *Manager) Stats() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts
}

// Persist rewrites every partition from the table.
func (m *Manager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(m.valuesLocked()); err != nil {
		return err
	}
	m.dirty = make(map[string]struct{})
	return nil
}

// Dirty reports how many partitions are waiting for a successful write
func (m *Manager) Dirty() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// FlushDirty retries partitions whose last write failed.
func (m *Manager) FlushDirty() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.dirty) == 0 {
		return nil
	}
	return m.persistLocked()
}

// persistLocked writes keys plus any dirty partitions. On success all of them
// are clean; on failure nothing changes.
func (m *Manager) persistLocked(keys ...string) error {
	for key := range m.dirty {
		keys = append(keys, key)
	}
	if err := m.store.SavePartitions(m.valuesLocked(), keys...); err != nil {
		return err
	}
	m.dirty = make(map[string]struct{})
	return nil
}

// persistOrMarkDirtyLocked is for transitions that must stand in memory even
// when the disk is unavailable.
func (m *Manager) persistOrMarkDirtyLocked(keys ...string) error {
	err := m.persistLocked(keys...)
	if err != nil {
		for _, key := range keys {
			m.dirty[key] = struct{}{}
		}
		m.log.Errorw("Failed to persist job transition; will retry",
			logger.FieldError, err,
			"partitions", keys,
		)
	}
	return err
}

func (m *Manager) valuesLocked() []Job {
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

// SortJobs orders jobs by priority (highest first), scheduled time, creation
// time and ID.
func SortJobs(js []Job) {
	sort.SliceStable(js, func(a, b int) bool {
		x, y := js[a], js[b]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		if !x.ScheduledTime.Equal(y.ScheduledTime) {
			return x.ScheduledTime.Before(y.ScheduledTime)
		}
		if !x.CreatedAt.Equal(y.CreatedAt) {
			return x.CreatedAt.Before(y.CreatedAt)
		}
		return x.ID < y.ID
	})
}
