package jobs

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/logger"
)

// Recovery resolves jobs left in running: those abandoned by a dead process
// and those that exceeded the running ceiling. Both passes are idempotent.
type Recovery struct {
	m   *Manager
	log *zap.SugaredLogger
}

// NewRecovery creates a recovery pass over m
func NewRecovery(m *Manager, log *zap.SugaredLogger) *Recovery {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recovery{m: m, log: logger.AddPulseSymbol(log)}
}

// RecoverStuck applies the retry-or-fail decision to every running job that
// has been running longer than the configured ceiling.
func (r *Recovery) RecoverStuck(now time.Time) ([]Job, error) {
	ceiling := r.m.cfg.StuckAfter
	return r.resolve(now, "stuck",
		func(j *Job) bool { return j.IsStuck(now, ceiling) },
		func(j *Job) Failure {
			return Failure{
				Code:      ErrorCodeStuck,
				Stage:     "running",
				Reason:    fmt.Sprintf("stuck in running for %s (ceiling %s)", now.Sub(*j.StartedAt).Round(time.Minute), ceiling),
				Retryable: true,
			}
		})
}

// RecoverCrashed resolves every running job unconditionally. It is meant to
// run once at startup, before the scheduler loop: a job found running then
// can only belong to a process that died mid-execution.
func (r *Recovery) RecoverCrashed(now time.Time) ([]Job, error) {
	return r.resolve(now, "crashed",
		func(j *Job) bool { return j.Status == StatusRunning },
		func(j *Job) Failure {
			return Failure{
				Code:      ErrorCodeCrashed,
				Stage:     "running",
				Reason:    "found running at startup; previous process exited mid-execution",
				Retryable: true,
			}
		})
}

func (r *Recovery) resolve(now time.Time, kind string, match func(*Job) bool, failure func(*Job) Failure) ([]Job, error) {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		resolved []Job
		keys     []string
	)
	for _, j := range m.jobs {
		if !match(j) {
			continue
		}
		oldKey := m.store.PartitionKey(*j)
		d := m.resolveLocked(j, failure(j), now)
		keys = append(keys, oldKey, m.store.PartitionKey(*j))
		resolved = append(resolved, j.Clone())

		r.log.Warnw("Recovered "+kind+" job",
			logger.FieldJobID, j.ID,
			logger.FieldAccountID, j.AccountID,
			logger.FieldStatus, d.Status,
			logger.FieldRetryCount, d.RetryCount,
			logger.FieldBackoff, d.Backoff.String(),
		)
	}
	if len(resolved) == 0 {
		return nil, nil
	}
	SortJobs(resolved)
	return resolved, m.persistOrMarkDirtyLocked(keys...)
}
