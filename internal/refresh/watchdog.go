package refresh

import (
	"context"
	"log/slog"
	"time"
)

// Watchdog defaults.
const (
	DefaultWatchdogInterval = time.Minute
	DefaultStallThreshold   = 15 * time.Minute
)

// watchdogFailureMessage is recorded on jobs reconciled by the watchdog.
const watchdogFailureMessage = "refresh worker stopped reporting progress; job failed by watchdog"

// Watchdog reconciles refresh jobs orphaned by a crashed or wedged worker.
// A RUNNING ledger entry whose last update is older than the stall threshold
// cannot make progress anymore, so the watchdog fails it and publishes the
// terminal event the worker never got to send. This also releases the
// admission slot for the next trigger.
type Watchdog struct {
	ledger         Ledger
	bus            *ProgressBus
	logger         *slog.Logger
	interval       time.Duration
	stallThreshold time.Duration
	now            func() time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWatchdog creates a watchdog over the given ledger. Non-positive interval
// or threshold values fall back to the defaults.
func NewWatchdog(ledger Ledger, bus *ProgressBus, interval, stallThreshold time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}

	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watchdog{
		ledger:         ledger,
		bus:            bus,
		logger:         logger,
		interval:       interval,
		stallThreshold: stallThreshold,
		now:            time.Now,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the background sweep loop. One sweep runs immediately so a
// job orphaned by a crash before this process started is reconciled without
// waiting a full interval.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.Sweep(ctx)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep fails every RUNNING job whose last progress update is older than the
// stall threshold. Safe to call concurrently with a live worker: the ledger's
// terminal transitions are idempotent, so a worker finishing at the same
// moment wins or loses the race cleanly.
func (w *Watchdog) Sweep(ctx context.Context) {
	cutoff := w.now().Add(-w.stallThreshold)

	stalled, err := w.ledger.FindStalled(ctx, cutoff)
	if err != nil {
		w.logger.Error("watchdog sweep failed", slog.String("error", err.Error()))

		return
	}

	for _, job := range stalled {
		applied, err := w.ledger.Fail(ctx, job.ID, watchdogFailureMessage)
		if err != nil {
			w.logger.Error("watchdog failed to reconcile stalled job",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()))

			continue
		}

		if !applied {
			// The worker finished between the stall query and the fail; its
			// own terminal event stands.
			continue
		}

		w.logger.Warn("watchdog failed stalled refresh job",
			slog.Int64("job_id", job.ID),
			slog.String("reason", job.Reason),
			slog.Time("last_update", job.UpdatedAt))

		w.bus.Publish(ProgressEvent{
			JobID:     job.ID,
			Status:    StatusFailed,
			Reason:    job.Reason,
			Processed: job.ProcessedCount,
			Total:     job.TotalCount,
			Error:     watchdogFailureMessage,
			Timestamp: w.now(),
		})
	}
}

// Close stops the sweep loop and waits for it to exit.
func (w *Watchdog) Close() error {
	close(w.stop)
	<-w.done

	return nil
}
