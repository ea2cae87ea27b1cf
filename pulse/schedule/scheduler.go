// Package schedule runs scheduled posts: a single-flight loop that expires
// and recovers jobs, picks the next ready one by priority and hands it to
// the executor.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/jobs"
)

// Config contains configuration for the scheduler loop
type Config struct {
	PollInterval time.Duration // Sleep when no job was ready (default: 30s)
	ErrorBackoff time.Duration // Sleep after a failed tick (default: 5s)
}

// DefaultConfig returns the loop defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

// State is the scheduler status report returned by Start, Stop and Status.
type State struct {
	Running      bool                `json:"running"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	Ticks        int64               `json:"ticks"`
	LastTickAt   *time.Time          `json:"last_tick_at,omitempty"`
	CurrentJobID string              `json:"current_job_id,omitempty"`
	Jobs         map[jobs.Status]int `json:"jobs"`
	DirtyParts   int                 `json:"dirty_partitions"`
	System       SystemMetrics       `json:"system"`
}

// Scheduler is the top-level orchestrator and the administrative surface
// over the job table.
type Scheduler struct {
	manager  *jobs.Manager
	recovery *jobs.Recovery
	recorder Recorder
	cfg      Config
	logger   *zap.SugaredLogger
	pulseLog *zap.SugaredLogger // Logger with Pulse symbol pre-attached

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	done       chan struct{}
	startedAt  time.Time
	ticks      int64
	lastTickAt time.Time
	currentJob string
	lastIdle   string // next-job key last logged while idle
}

// New creates a scheduler. recorder may be nil.
func New(manager *jobs.Manager, recorder Recorder, cfg Config, log *zap.SugaredLogger) *Scheduler {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = d.ErrorBackoff
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		manager:  manager,
		recovery: jobs.NewRecovery(manager, log),
		recorder: recorder,
		cfg:      cfg,
		logger:   log,
		pulseLog: logger.AddPulseSymbol(log),
	}
}

// Start loads the job table, resolves jobs a previous process left running
// and starts the loop with poster as the execution callback. Calling Start
// while running is a no-op that reports the current state.
func (s *Scheduler) Start(ctx context.Context, poster Poster) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.pulseLog.Debugw("Scheduler already running")
		return s.stateLocked(), nil
	}
	if poster == nil {
		return State{}, errors.New("scheduler needs a poster")
	}

	if err := s.manager.Load(); err != nil {
		return State{}, err
	}
	recovered, err := s.recovery.RecoverCrashed(s.manager.Now())
	if err != nil && !jobs.IsStorageError(err) {
		return State{}, errors.Wrap(err, "recover crashed jobs")
	}
	if len(recovered) > 0 {
		s.pulseLog.Warnw("Resolved jobs left running by a previous process", logger.FieldCount, len(recovered))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	exec := NewExecutor(s.manager, poster, s.recorder, s.logger)

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = s.manager.Now()
	s.ticks = 0
	s.lastIdle = ""

	go s.run(loopCtx, exec, s.done)
	s.pulseLog.Infow("Scheduler started", "poll_interval", s.cfg.PollInterval)
	return s.stateLocked(), nil
}

// Stop ends the loop after the in-flight job, persists every job and flushes
// execution history. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() (State, error) {
	s.mu.Lock()
	if !s.running {
		st := s.stateLocked()
		s.mu.Unlock()
		return st, nil
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	persistErr := s.manager.Persist()
	if persistErr != nil {
		s.pulseLog.Errorw("Failed to persist jobs on stop", logger.FieldError, persistErr)
	}
	flushErr := s.recorder.Flush()
	if flushErr != nil {
		s.pulseLog.Errorw("Failed to flush execution history on stop", logger.FieldError, flushErr)
	}

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	st := s.stateLocked()
	s.mu.Unlock()

	s.pulseLog.Infow("Scheduler stopped", "ticks", st.Ticks)
	_ = s.logger.Sync()
	return st, errors.CombineErrors(persistErr, flushErr)
}

// Done is closed when the loop exits; nil when the scheduler never started
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status reports the current state
func (s *Scheduler) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	st := State{
		Running:      s.running,
		Ticks:        s.ticks,
		CurrentJobID: s.currentJob,
		Jobs:         s.manager.Stats(),
		DirtyParts:   s.manager.Dirty(),
		System:       CurrentSystemMetrics(),
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.lastTickAt.IsZero() {
		t := s.lastTickAt
		st.LastTickAt = &t
	}
	return st
}

// AddJob validates and schedules a new job
func (s *Scheduler) AddJob(n jobs.NewJob) (jobs.Job, error) {
	return s.manager.Add(n)
}

// RemoveJob deletes a job; a running job finishes but its result is dropped
func (s *Scheduler) RemoveJob(id string) error {
	return s.manager.Remove(id)
}

// CancelJob moves a job to cancelled
func (s *Scheduler) CancelJob(id, reason string) (jobs.Job, error) {
	return s.manager.Cancel(id, reason)
}

// ListJobs returns jobs in selection order
func (s *Scheduler) ListJobs(f jobs.Filter) []jobs.Job {
	return s.manager.List(f)
}

// ReadyJobs returns jobs that may run now, in selection order
func (s *Scheduler) ReadyJobs() []jobs.Job {
	return s.manager.ReadyJobs(s.manager.Now())
}

// run is the main loop
func (s *Scheduler) run(ctx context.Context, exec *Executor, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		ran, err := s.safeTick(ctx, exec)
		wait := s.cfg.PollInterval
		switch {
		case err != nil:
			s.pulseLog.Errorw("Scheduler tick failed", logger.FieldError, err, "tick", s.Status().Ticks)
			wait = s.cfg.ErrorBackoff
		case ran:
			continue
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// safeTick runs one tick; a panic becomes an error so a bad tick never kills the loop
func (s *Scheduler) safeTick(ctx context.Context, exec *Executor) (ran bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.pulseLog.Errorw("Scheduler tick panicked", "panic", r, "stack", string(debug.Stack()))
			ran, err = false, errors.Newf("tick panicked: %v", r)
		}
	}()
	return s.Tick(ctx, exec)
}

// Tick performs one pass: expire, recover stuck, flush failed writes, then
// run the next ready job unless one is already running. It reports whether
// a job was executed.
func (s *Scheduler) Tick(ctx context.Context, exec *Executor) (bool, error) {
	now := s.manager.Now()
	s.mu.Lock()
	s.ticks++
	s.lastTickAt = now
	s.mu.Unlock()

	// Transitions below stand in memory even when their write fails; the
	// failed partitions are retried by FlushDirty.
	if expired, err := s.manager.CleanupExpired(now); err != nil {
		s.pulseLog.Warnw("Expired jobs not yet persisted", logger.FieldError, err)
	} else if len(expired) > 0 {
		s.pulseLog.Infow("Expired jobs", logger.FieldCount, len(expired))
	}
	if _, err := s.recovery.RecoverStuck(now); err != nil {
		s.pulseLog.Warnw("Recovered stuck jobs not yet persisted", logger.FieldError, err)
	}
	if err := s.manager.FlushDirty(); err != nil {
		return false, errors.Wrap(err, "flush job partitions")
	}

	if running, ok := s.manager.Running(); ok {
		s.pulseLog.Debugw("Waiting for running job", logger.FieldJobID, running.ID)
		return false, nil
	}

	next, ok := s.manager.NextReady(now)
	if !ok {
		s.logIdle(now)
		return false, nil
	}

	s.setCurrent(next.ID)
	defer s.setCurrent("")

	// A stop request must not cut a browser action short
	_, err := exec.Run(context.WithoutCancel(ctx), next.ID)
	return true, err
}

func (s *Scheduler) setCurrent(id string) {
	s.mu.Lock()
	s.currentJob = id
	s.lastIdle = ""
	s.mu.Unlock()
}

// logIdle reports the next scheduled job, only when it changes
func (s *Scheduler) logIdle(now time.Time) {
	var next *jobs.Job
	for _, j := range s.manager.List(jobs.Filter{Status: jobs.StatusScheduled}) {
		if next == nil || j.ScheduledTime.Before(next.ScheduledTime) {
			j := j
			next = &j
		}
	}

	key, msg := "none", "Scheduler idle - no scheduled posts"
	if next != nil {
		until := next.ScheduledTime.Sub(now)
		if until < 0 {
			until = 0
		}
		key = next.ID + next.ScheduledTime.String()
		msg = fmt.Sprintf("Scheduler idle - next post %s for %s in %s", next.ShortID(), next.AccountID, until.Round(time.Second))
	}

	s.mu.Lock()
	changed := key != s.lastIdle
	s.lastIdle = key
	s.mu.Unlock()

	if changed {
		s.pulseLog.Infow(msg)
	}
}
