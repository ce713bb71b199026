package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// pqUniqueViolation is the PostgreSQL error code raised when the partial
// unique index on RUNNING jobs rejects a second concurrent insert.
const pqUniqueViolation = "23505"

// ErrLedgerQueryFailed is returned when a ledger query fails.
var ErrLedgerQueryFailed = errors.New("refresh ledger query failed")

// RefreshLedger is the PostgreSQL implementation of refresh.Ledger.
//
// The admission gate lives in the schema: a partial unique index over
// refresh_job rows WHERE status = 'RUNNING' means at most one RUNNING row can
// exist system-wide, and the database decides races between concurrent
// triggers. No in-process lock is involved, so the guarantee holds across
// multiple service instances sharing one database.
type RefreshLedger struct {
	conn   *Connection
	logger *slog.Logger
}

// NewRefreshLedger creates a ledger over the given connection.
func NewRefreshLedger(conn *Connection, logger *slog.Logger) *RefreshLedger {
	if logger == nil {
		logger = slog.Default()
	}

	return &RefreshLedger{conn: conn, logger: logger}
}

// CreateJob implements refresh.Ledger. The insert and the one-RUNNING-job
// check are a single atomic statement.
func (l *RefreshLedger) CreateJob(ctx context.Context, reason string) (int64, error) {
	query := `
		INSERT INTO refresh_job (reason, status, processed_count, total_count, started_at, updated_at)
		VALUES ($1, 'RUNNING', 0, 0, NOW(), NOW())
		RETURNING id
	`

	var id int64

	err := l.conn.QueryRowContext(ctx, query, reason).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return 0, refresh.ErrRefreshAlreadyRunning
		}

		return 0, fmt.Errorf("%w: failed to create job: %w", ErrLedgerQueryFailed, err)
	}

	l.logger.Debug("created refresh job",
		slog.Int64("job_id", id),
		slog.String("reason", reason))

	return id, nil
}

// FindJob implements refresh.Ledger.
func (l *RefreshLedger) FindJob(ctx context.Context, id int64) (*refresh.Job, error) {
	query := selectJobQuery + ` WHERE id = $1`

	job, err := scanJob(l.conn.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, refresh.ErrJobNotFound
		}

		return nil, fmt.Errorf("%w: failed to find job %d: %w", ErrLedgerQueryFailed, id, err)
	}

	return job, nil
}

// FindRunning implements refresh.Ledger. Returns (nil, nil) when idle.
func (l *RefreshLedger) FindRunning(ctx context.Context) (*refresh.Job, error) {
	query := selectJobQuery + ` WHERE status = 'RUNNING' LIMIT 1`

	job, err := scanJob(l.conn.QueryRowContext(ctx, query))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: failed to find running job: %w", ErrLedgerQueryFailed, err)
	}

	return job, nil
}

// History implements refresh.Ledger. Jobs are returned newest first.
func (l *RefreshLedger) History(ctx context.Context, limit int) ([]refresh.Job, error) {
	query := selectJobQuery + ` ORDER BY id DESC LIMIT $1`

	rows, err := l.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query history: %w", ErrLedgerQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	jobs := make([]refresh.Job, 0, limit)

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan job row: %w", ErrLedgerQueryFailed, err)
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrLedgerQueryFailed, err)
	}

	return jobs, nil
}

// UpdateProgress implements refresh.Ledger. The processed count is guarded in
// SQL so it can never move backwards, even with a misbehaving caller.
func (l *RefreshLedger) UpdateProgress(ctx context.Context, id int64, processed, total int) error {
	query := `
		UPDATE refresh_job
		SET processed_count = $2, total_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING' AND processed_count <= $2
	`

	result, err := l.conn.ExecContext(ctx, query, id, processed, total)
	if err != nil {
		return fmt.Errorf("%w: failed to update progress: %w", ErrLedgerQueryFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", ErrLedgerQueryFailed, err)
	}

	if affected > 0 {
		return nil
	}

	// Nothing matched: classify why.
	job, err := l.FindJob(ctx, id)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return fmt.Errorf("%w: job %d is already %s", refresh.ErrInvalidTransition, id, job.Status)
	}

	return fmt.Errorf("%w: job %d has processed %d, refusing %d",
		refresh.ErrProgressRegression, id, job.ProcessedCount, processed)
}

// Complete implements refresh.Ledger. Completing an already-terminal job
// leaves it untouched and reports applied=false.
func (l *RefreshLedger) Complete(ctx context.Context, id int64) (bool, error) {
	return l.finish(ctx, id, refresh.StatusCompleted, "")
}

// Fail implements refresh.Ledger. Failing an already-terminal job leaves it
// untouched and reports applied=false.
func (l *RefreshLedger) Fail(ctx context.Context, id int64, message string) (bool, error) {
	return l.finish(ctx, id, refresh.StatusFailed, message)
}

func (l *RefreshLedger) finish(ctx context.Context, id int64, status refresh.JobStatus, message string) (bool, error) {
	query := `
		UPDATE refresh_job
		SET status = $2, error_message = NULLIF($3, ''), finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'RUNNING'
	`

	result, err := l.conn.ExecContext(ctx, query, id, string(status), message)
	if err != nil {
		return false, fmt.Errorf("%w: failed to finish job: %w", ErrLedgerQueryFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: failed to get rows affected: %w", ErrLedgerQueryFailed, err)
	}

	if affected > 0 {
		l.logger.Info("refresh job finished",
			slog.Int64("job_id", id),
			slog.String("status", string(status)))

		return true, nil
	}

	// Either the job does not exist or it already reached a terminal state.
	// The latter is a duplicate completion signal; the first outcome stands
	// and the caller learns the transition did not apply.
	if _, err := l.FindJob(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// FindStalled implements refresh.Ledger.
func (l *RefreshLedger) FindStalled(ctx context.Context, cutoff time.Time) ([]refresh.Job, error) {
	query := selectJobQuery + ` WHERE status = 'RUNNING' AND updated_at < $1 ORDER BY id`

	rows, err := l.conn.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query stalled jobs: %w", ErrLedgerQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var jobs []refresh.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan job row: %w", ErrLedgerQueryFailed, err)
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: row iteration error: %w", ErrLedgerQueryFailed, err)
	}

	return jobs, nil
}

const selectJobQuery = `
	SELECT id, reason, status, processed_count, total_count,
	       started_at, updated_at, finished_at, error_message
	FROM refresh_job
`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner rowScanner) (*refresh.Job, error) {
	var (
		job          refresh.Job
		status       string
		finishedAt   sql.NullTime
		errorMessage sql.NullString
	)

	err := scanner.Scan(
		&job.ID,
		&job.Reason,
		&status,
		&job.ProcessedCount,
		&job.TotalCount,
		&job.StartedAt,
		&job.UpdatedAt,
		&finishedAt,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	job.Status = refresh.JobStatus(status)

	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}

	if errorMessage.Valid {
		job.Error = errorMessage.String
	}

	return &job, nil
}
