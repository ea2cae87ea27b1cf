package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/postpulse/db"
	"github.com/teranos/postpulse/errors"
)

const executionColumns = `
		id, job_id, account_id, attempt, status,
		thread_id, error_code, error_stage, error_message,
		started_at, completed_at, duration_ms, created_at`

// ExecutionStore handles persistence of execution history
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertExecution(x execer, exec *Execution) error {
	query := `INSERT INTO post_executions (` + executionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Convert optional fields so NULL is written for nil pointers
	var threadID, errorCode, errorStage, errorMessage, completedAt, durationMs interface{}
	if exec.ThreadID != nil {
		threadID = *exec.ThreadID
	}
	if exec.ErrorCode != nil {
		errorCode = *exec.ErrorCode
	}
	if exec.ErrorStage != nil {
		errorStage = *exec.ErrorStage
	}
	if exec.ErrorMessage != nil {
		errorMessage = *exec.ErrorMessage
	}
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	if exec.DurationMs != nil {
		durationMs = *exec.DurationMs
	}

	_, err := x.Exec(query,
		exec.ID,
		exec.JobID,
		exec.AccountID,
		exec.Attempt,
		exec.Status,
		threadID,
		errorCode,
		errorStage,
		errorMessage,
		exec.StartedAt,
		completedAt,
		durationMs,
		exec.CreatedAt,
	)
	return err
}

// CreateExecution writes one execution record
func (s *ExecutionStore) CreateExecution(exec *Execution) error {
	if err := insertExecution(s.db, exec); err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	return nil
}

// CreateExecutions writes a batch of records in one transaction
func (s *ExecutionStore) CreateExecutions(execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(db.MarkClosed(err), "failed to begin execution batch")
	}
	for i := range execs {
		if err := insertExecution(tx, &execs[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "failed to write execution %s", execs[i].ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(db.MarkClosed(err), "failed to commit execution batch")
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var threadID, errorCode, errorStage, errorMessage, completedAt sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&exec.ID,
		&exec.JobID,
		&exec.AccountID,
		&exec.Attempt,
		&exec.Status,
		&threadID,
		&errorCode,
		&errorStage,
		&errorMessage,
		&exec.StartedAt,
		&completedAt,
		&durationMs,
		&exec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Convert sql.Null* types to pointers
	if threadID.Valid {
		exec.ThreadID = &threadID.String
	}
	if errorCode.Valid {
		exec.ErrorCode = &errorCode.String
	}
	if errorStage.Valid {
		exec.ErrorStage = &errorStage.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	if durationMs.Valid {
		duration := int(durationMs.Int64)
		exec.DurationMs = &duration
	}
	return &exec, nil
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+executionColumns+` FROM post_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
		}
		return nil, errors.Wrap(err, "failed to get execution")
	}
	return exec, nil
}

// ListExecutions returns the newest executions of a job first
func (s *ExecutionStore) ListExecutions(jobID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+executionColumns+`
		FROM post_executions
		WHERE job_id = ?
		ORDER BY started_at DESC, attempt DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}

// CleanupOldExecutions deletes execution records started before cutoff.
// Returns the number of executions deleted.
func (s *ExecutionStore) CleanupOldExecutions(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM post_executions WHERE started_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}
