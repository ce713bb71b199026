package refresh

import (
	"context"
	"time"
)

// Ledger is the persistent record of refresh jobs. Implementations must make
// CreateJob an atomic check-and-insert: it either creates a new RUNNING job or
// returns ErrRefreshAlreadyRunning, never both and never neither, regardless
// of how many callers race.
type Ledger interface {
	// CreateJob admits a new refresh job in RUNNING state and returns its id.
	// Returns ErrRefreshAlreadyRunning when another job holds the RUNNING slot.
	CreateJob(ctx context.Context, reason string) (int64, error)

	// FindJob returns the job with the given id, or ErrJobNotFound.
	FindJob(ctx context.Context, id int64) (*Job, error)

	// FindRunning returns the currently running job, or nil when idle.
	FindRunning(ctx context.Context) (*Job, error)

	// History returns the most recent jobs, newest first.
	History(ctx context.Context, limit int) ([]Job, error)

	// UpdateProgress records batch progress for a running job. Updates that
	// would decrease the processed count return ErrProgressRegression.
	UpdateProgress(ctx context.Context, id int64, processed, total int) error

	// Complete moves a RUNNING job to COMPLETED and reports whether the
	// transition applied. A false result means the job had already reached a
	// terminal state; the recorded outcome is left untouched.
	Complete(ctx context.Context, id int64) (bool, error)

	// Fail moves a RUNNING job to FAILED with the given message. The applied
	// result follows the same rules as Complete.
	Fail(ctx context.Context, id int64, message string) (bool, error)

	// FindStalled returns RUNNING jobs whose last update is older than cutoff.
	// Used by the watchdog to reconcile jobs orphaned by a crashed worker.
	FindStalled(ctx context.Context, cutoff time.Time) ([]Job, error)
}
