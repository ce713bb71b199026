package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

// Default refresh criteria, overridable through the criteria config file.
const (
	DefaultStaleAfter = 30 * 24 * time.Hour
	DefaultBatchSize  = 1000

	// slowSwapThreshold is how long a snapshot swap may take before the
	// orchestrator logs a warning.
	slowSwapThreshold = 5 * time.Second
)

// Criteria are the tunable inputs of a refresh run.
type Criteria struct {
	// StaleAfter is the age at which an open finding counts as overdue.
	StaleAfter time.Duration

	// BatchSize is how many candidate assets are read per source batch.
	BatchSize int
}

// DefaultCriteria returns the built-in refresh criteria.
func DefaultCriteria() Criteria {
	return Criteria{StaleAfter: DefaultStaleAfter, BatchSize: DefaultBatchSize}
}

// CriteriaProvider supplies the criteria for the next refresh run. It is
// called once per run, so config changes apply to the following refresh
// without restarting the service.
type CriteriaProvider func() Criteria

// SourceReader reads refresh candidates from the source-of-truth tables.
type SourceReader interface {
	// CountCandidates returns how many assets have at least one open finding
	// detected before staleBefore.
	CountCandidates(ctx context.Context, staleBefore time.Time) (int, error)

	// FetchCandidates returns one batch of candidate aggregates with asset ids
	// greater than afterID, ordered by asset id. Keyset pagination keeps the
	// batch walk stable while imports insert into the source tables mid-run.
	FetchCandidates(ctx context.Context, staleBefore time.Time, afterID int64, limit int) ([]snapshot.Row, error)
}

// SnapshotWriter atomically replaces the materialized snapshot.
type SnapshotWriter interface {
	// ReplaceSnapshot swaps the entire snapshot in one transaction. Readers
	// observe either the previous snapshot or the new one, never a mix.
	ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) error
}

// Orchestrator coordinates refresh runs: it admits jobs through the ledger,
// drives the batch loop against the source reader, swaps the snapshot and
// publishes progress on the bus.
type Orchestrator struct {
	ledger   Ledger
	source   SourceReader
	writer   SnapshotWriter
	bus      *ProgressBus
	criteria CriteriaProvider
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewOrchestrator wires a refresh orchestrator. A nil criteria provider falls
// back to DefaultCriteria.
func NewOrchestrator(
	ledger Ledger,
	source SourceReader,
	writer SnapshotWriter,
	bus *ProgressBus,
	criteria CriteriaProvider,
	logger *slog.Logger,
) *Orchestrator {
	if criteria == nil {
		criteria = DefaultCriteria
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		ledger:   ledger,
		source:   source,
		writer:   writer,
		bus:      bus,
		criteria: criteria,
		logger:   logger,
		now:      time.Now,
	}
}

// TriggerRefresh requests a new refresh run for the given reason.
//
// The call returns as soon as admission is decided: on success the job id of
// the freshly started run, on conflict ErrRefreshAlreadyRunning. The refresh
// itself proceeds asynchronously; progress is observable through the ledger
// and the progress bus.
func (o *Orchestrator) TriggerRefresh(ctx context.Context, reason string) (int64, error) {
	if !ValidReason(reason) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}

	jobID, err := o.ledger.CreateJob(ctx, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to admit refresh job: %w", err)
	}

	o.logger.Info("refresh job admitted",
		slog.Int64("job_id", jobID),
		slog.String("reason", reason))

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()
		// The run outlives the trigger request on purpose: an HTTP client
		// disconnecting must not abort a refresh that already won admission.
		o.run(context.WithoutCancel(ctx), jobID, reason)
	}()

	return jobID, nil
}

// run executes the refresh body for an admitted job. Every failure path ends
// in a FAILED terminal state; the snapshot is only touched by the final swap,
// so a failed run leaves the previous snapshot fully intact.
func (o *Orchestrator) run(ctx context.Context, jobID int64, reason string) {
	crit := o.criteria()
	if crit.BatchSize <= 0 {
		crit.BatchSize = DefaultBatchSize
	}

	staleBefore := o.now().Add(-crit.StaleAfter)

	total, err := o.source.CountCandidates(ctx, staleBefore)
	if err != nil {
		o.fail(ctx, jobID, reason, 0, 0, fmt.Errorf("failed to count candidates: %w", err))

		return
	}

	if err := o.progress(ctx, jobID, reason, 0, total); err != nil {
		o.fail(ctx, jobID, reason, 0, total, err)

		return
	}

	staged := make([]snapshot.Row, 0, total)
	processed := 0

	var lastID int64

	for {
		rows, err := o.source.FetchCandidates(ctx, staleBefore, lastID, crit.BatchSize)
		if err != nil {
			o.fail(ctx, jobID, reason, processed, total, fmt.Errorf("failed to fetch candidate batch: %w", err))

			return
		}

		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := row.Validate(); err != nil {
				o.fail(ctx, jobID, reason, processed, total, fmt.Errorf("invalid candidate aggregate: %w", err))

				return
			}
		}

		staged = append(staged, rows...)
		processed += len(rows)
		lastID = rows[len(rows)-1].AssetID

		if err := o.progress(ctx, jobID, reason, processed, total); err != nil {
			o.fail(ctx, jobID, reason, processed, total, err)

			return
		}

		if len(rows) < crit.BatchSize {
			break
		}
	}

	swapStart := o.now()

	if err := o.writer.ReplaceSnapshot(ctx, staged); err != nil {
		o.fail(ctx, jobID, reason, processed, total, fmt.Errorf("failed to swap snapshot: %w", err))

		return
	}

	if elapsed := o.now().Sub(swapStart); elapsed > slowSwapThreshold {
		o.logger.Warn("snapshot swap took longer than expected",
			slog.Int64("job_id", jobID),
			slog.Int("rows", len(staged)),
			slog.Duration("elapsed", elapsed))
	}

	applied, err := o.ledger.Complete(ctx, jobID)
	if err != nil {
		// Ledger state is unknown; stay silent and let the watchdog
		// reconcile the job rather than announce an unrecorded completion.
		o.logger.Error("failed to mark refresh job completed",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()))

		return
	}

	if !applied {
		// Someone else, typically the watchdog, already terminated the job
		// and published its outcome. A COMPLETED event now would contradict
		// the recorded state.
		o.logger.Warn("refresh job already terminal, suppressing completion event",
			slog.Int64("job_id", jobID))

		return
	}

	o.bus.Publish(ProgressEvent{
		JobID:     jobID,
		Status:    StatusCompleted,
		Reason:    reason,
		Processed: processed,
		Total:     total,
		Timestamp: o.now(),
	})

	o.logger.Info("refresh job completed",
		slog.Int64("job_id", jobID),
		slog.String("reason", reason),
		slog.Int("assets", len(staged)))
}

// progress persists batch progress and publishes the matching RUNNING event.
func (o *Orchestrator) progress(ctx context.Context, jobID int64, reason string, processed, total int) error {
	if err := o.ledger.UpdateProgress(ctx, jobID, processed, total); err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	o.bus.Publish(ProgressEvent{
		JobID:     jobID,
		Status:    StatusRunning,
		Reason:    reason,
		Processed: processed,
		Total:     total,
		Timestamp: o.now(),
	})

	return nil
}

// fail marks the job FAILED and publishes the terminal event, but only when
// this call actually recorded the failure. The snapshot is never rolled back
// here because the swap is the run's only snapshot write.
func (o *Orchestrator) fail(ctx context.Context, jobID int64, reason string, processed, total int, cause error) {
	o.logger.Error("refresh job failed",
		slog.Int64("job_id", jobID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()))

	applied, err := o.ledger.Fail(ctx, jobID, cause.Error())
	if err != nil {
		o.logger.Error("failed to mark refresh job failed",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()))

		return
	}

	if !applied {
		o.logger.Warn("refresh job already terminal, suppressing failure event",
			slog.Int64("job_id", jobID))

		return
	}

	o.bus.Publish(ProgressEvent{
		JobID:     jobID,
		Status:    StatusFailed,
		Reason:    reason,
		Processed: processed,
		Total:     total,
		Error:     cause.Error(),
		Timestamp: o.now(),
	})
}

// Job returns the ledger entry for a single refresh job.
func (o *Orchestrator) Job(ctx context.Context, id int64) (*Job, error) {
	return o.ledger.FindJob(ctx, id)
}

// History returns the most recent refresh jobs, newest first.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]Job, error) {
	return o.ledger.History(ctx, limit)
}

// Subscribe attaches a progress subscriber. The returned channel is primed
// with a synthetic event describing the current engine state (the running
// job, or idle) so subscribers never start blind.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan ProgressEvent, func(), error) {
	// Register on the bus before reading the ledger: a terminal event
	// published between the two would otherwise be delivered to nobody while
	// the subscriber gets primed with an already stale snapshot of the state.
	ch, cancel := o.bus.subscribe()

	running, err := o.ledger.FindRunning(ctx)
	if err != nil {
		cancel()

		return nil, nil, fmt.Errorf("failed to read current refresh state: %w", err)
	}

	// A live event that raced in during the ledger read is at least as fresh
	// as what the ledger returned, so the synthetic prime is skipped.
	if len(ch) == 0 {
		select {
		case ch <- EventFromJob(running, o.now()):
		default:
		}
	}

	return ch, cancel, nil
}

// Close waits for any in-flight refresh run to finish.
func (o *Orchestrator) Close() error {
	o.wg.Wait()

	return nil
}
