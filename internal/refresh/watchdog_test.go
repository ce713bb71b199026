package refresh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFailsStalledJob(t *testing.T) {
	ledger := newMemoryLedger()
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	jobID, err := ledger.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	// Backdate the job's last update to simulate a crashed worker.
	ledger.mu.Lock()
	ledger.jobs[jobID].UpdatedAt = time.Now().Add(-time.Hour)
	ledger.mu.Unlock()

	ch, cancel := bus.Subscribe()
	defer cancel()

	watchdog := NewWatchdog(ledger, bus, time.Minute, 15*time.Minute, nil)
	watchdog.Sweep(ctx)

	job, err := ledger.FindJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "watchdog")

	event := <-ch
	assert.Equal(t, jobID, event.JobID)
	assert.Equal(t, StatusFailed, event.Status)
	assert.NotEmpty(t, event.Error)

	// The admission slot is free again.
	next, err := ledger.CreateJob(ctx, ReasonScheduledImport)
	require.NoError(t, err)
	assert.Greater(t, next, jobID)
}

func TestWatchdogIgnoresHealthyJob(t *testing.T) {
	ledger := newMemoryLedger()
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	jobID, err := ledger.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	watchdog := NewWatchdog(ledger, bus, time.Minute, 15*time.Minute, nil)
	watchdog.Sweep(ctx)

	job, err := ledger.FindJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status, "a recently updated job must not be reconciled")
}

func TestWatchdogIgnoresTerminalJobs(t *testing.T) {
	ledger := newMemoryLedger()
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	jobID, err := ledger.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	applied, err := ledger.Complete(ctx, jobID)
	require.NoError(t, err)
	require.True(t, applied)

	ledger.mu.Lock()
	ledger.jobs[jobID].UpdatedAt = time.Now().Add(-time.Hour)
	ledger.mu.Unlock()

	watchdog := NewWatchdog(ledger, bus, time.Minute, 15*time.Minute, nil)
	watchdog.Sweep(ctx)

	job, err := ledger.FindJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Error)
}

// finishingLedger completes stalled jobs between the stall query and the
// watchdog's fail, reproducing a worker that finishes at the last moment.
type finishingLedger struct {
	*memoryLedger
}

func (l *finishingLedger) FindStalled(ctx context.Context, cutoff time.Time) ([]Job, error) {
	stalled, err := l.memoryLedger.FindStalled(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	for _, job := range stalled {
		_, _ = l.memoryLedger.Complete(ctx, job.ID)
	}

	return stalled, nil
}

func TestWatchdogYieldsToWorkerFinishingFirst(t *testing.T) {
	inner := newMemoryLedger()
	ledger := &finishingLedger{memoryLedger: inner}
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	jobID, err := inner.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	inner.mu.Lock()
	inner.jobs[jobID].UpdatedAt = time.Now().Add(-time.Hour)
	inner.mu.Unlock()

	ch, cancel := bus.Subscribe()
	defer cancel()

	watchdog := NewWatchdog(ledger, bus, time.Minute, 15*time.Minute, nil)
	watchdog.Sweep(ctx)

	// The worker's completion stands; the watchdog publishes nothing.
	job, err := inner.FindJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Empty(t, job.Error)

	select {
	case event := <-ch:
		t.Fatalf("unexpected event %v for a job that finished on its own", event)
	default:
	}
}

func TestWatchdogStartAndClose(t *testing.T) {
	ledger := newMemoryLedger()
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	watchdog := NewWatchdog(ledger, bus, 10*time.Millisecond, time.Millisecond, nil)
	watchdog.Start(context.Background())

	ctx := context.Background()

	jobID, err := ledger.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	ledger.mu.Lock()
	ledger.jobs[jobID].UpdatedAt = time.Now().Add(-time.Hour)
	ledger.mu.Unlock()

	require.Eventually(t, func() bool {
		job, err := ledger.FindJob(ctx, jobID)

		return err == nil && job.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, watchdog.Close())
}

func TestWatchdogDefaults(t *testing.T) {
	watchdog := NewWatchdog(newMemoryLedger(), NewProgressBus(nil), 0, 0, nil)
	assert.Equal(t, DefaultWatchdogInterval, watchdog.interval)
	assert.Equal(t, DefaultStallThreshold, watchdog.stallThreshold)
}
