package schedule

import (
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/logger"
)

// Recorder receives one Execution per attempt. Flush is called on stop.
type Recorder interface {
	Record(exec Execution)
	Flush() error
}

// NopRecorder discards executions
type NopRecorder struct{}

func (NopRecorder) Record(Execution) {}
func (NopRecorder) Flush() error     { return nil }

const (
	defaultRecorderBatch = 20
	// Executions kept in memory while the database refuses writes
	maxRecorderBacklog = 1000
)

// BufferedRecorder batches executions and writes them to an ExecutionStore
// once the batch is full or on Flush. Recording never blocks on a failing
// database; the backlog is capped and the oldest records are dropped.
type BufferedRecorder struct {
	mu    sync.Mutex
	store *ExecutionStore
	buf   []Execution
	batch int
	log   *zap.SugaredLogger
}

// NewBufferedRecorder creates a recorder writing batches of size batch (20 if <= 0)
func NewBufferedRecorder(store *ExecutionStore, batch int, log *zap.SugaredLogger) *BufferedRecorder {
	if batch <= 0 {
		batch = defaultRecorderBatch
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &BufferedRecorder{store: store, batch: batch, log: logger.AddDBSymbol(log)}
}

// Record buffers exec and writes the buffer when it reaches the batch size
func (r *BufferedRecorder) Record(exec Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, exec)
	if len(r.buf) < r.batch {
		return
	}
	if err := r.flushLocked(); err != nil && !db.IsDatabaseClosed(err) {
		r.log.Warnw("Failed to write execution history; keeping it buffered",
			logger.FieldError, err,
			logger.FieldCount, len(r.buf),
		)
		if over := len(r.buf) - maxRecorderBacklog; over > 0 {
			r.buf = append([]Execution(nil), r.buf[over:]...)
		}
	}
}

// Pending returns the number of buffered executions
func (r *BufferedRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Flush writes everything buffered. A database already closed by shutdown
// is not an error: the buffered records are dropped and logged.
func (r *BufferedRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *BufferedRecorder) flushLocked() error {
	if len(r.buf) == 0 {
		return nil
	}
	if err := r.store.CreateExecutions(r.buf); err != nil {
		if db.IsDatabaseClosed(err) {
			r.log.Infow("History database already closed; dropping buffered executions",
				logger.FieldCount, len(r.buf))
			r.buf = r.buf[:0]
			return nil
		}
		return err
	}
	r.log.Debugw("Wrote execution history", logger.FieldCount, len(r.buf))
	r.buf = r.buf[:0]
	return nil
}
