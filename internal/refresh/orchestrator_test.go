package refresh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmalle/secman-snapshot/internal/snapshot"
)

var errSourceDown = errors.New("source connection lost")

// fakeSource serves candidate aggregates from a slice, sorted by asset id,
// and can be told to block or fail mid-run.
type fakeSource struct {
	mu        sync.Mutex
	rows      []snapshot.Row
	countErr  error
	failAfter int // fetch calls that succeed before an error; -1 = never fail
	fetches   int
	gate      chan struct{} // when set, fetches wait for the gate to open
	onFetch   func()        // invoked under the lock after each served batch
}

func newFakeSource(rows []snapshot.Row) *fakeSource {
	return &fakeSource{rows: rows, failAfter: -1}
}

func (s *fakeSource) CountCandidates(_ context.Context, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.countErr != nil {
		return 0, s.countErr
	}

	return len(s.rows), nil
}

func (s *fakeSource) FetchCandidates(_ context.Context, _ time.Time, afterID int64, limit int) ([]snapshot.Row, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if s.failAfter >= 0 && s.fetches > s.failAfter {
		return nil, errSourceDown
	}

	start := 0
	for start < len(s.rows) && s.rows[start].AssetID <= afterID {
		start++
	}

	if start >= len(s.rows) {
		return nil, nil
	}

	end := start + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}

	batch := make([]snapshot.Row, end-start)
	copy(batch, s.rows[start:end])

	if s.onFetch != nil {
		s.onFetch()
	}

	return batch, nil
}

// fakeWriter records snapshot swaps.
type fakeWriter struct {
	mu      sync.Mutex
	current []snapshot.Row
	err     error
	swaps   int
}

func (w *fakeWriter) ReplaceSnapshot(_ context.Context, rows []snapshot.Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.current = make([]snapshot.Row, len(rows))
	copy(w.current, rows)
	w.swaps++

	return nil
}

func (w *fakeWriter) snapshot() []snapshot.Row {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]snapshot.Row, len(w.current))
	copy(out, w.current)

	return out
}

func makeRows(n int) []snapshot.Row {
	rows := make([]snapshot.Row, n)
	for i := range rows {
		rows[i] = snapshot.Row{
			AssetID:           int64(i + 1),
			AssetName:         fmt.Sprintf("asset-%03d", i+1),
			AssetType:         "server",
			TotalFindings:     2,
			Severities:        snapshot.SeverityCounts{High: 1, Low: 1},
			OldestFindingDays: 45,
		}
	}

	return rows
}

func newTestOrchestrator(source SourceReader, writer SnapshotWriter, batchSize int) (*Orchestrator, *memoryLedger, *ProgressBus) {
	ledger := newMemoryLedger()
	bus := NewProgressBus(nil)
	criteria := func() Criteria {
		return Criteria{StaleAfter: DefaultStaleAfter, BatchSize: batchSize}
	}

	return NewOrchestrator(ledger, source, writer, bus, criteria, nil), ledger, bus
}

func waitForTerminal(t *testing.T, ledger Ledger, jobID int64) *Job {
	t.Helper()

	var job *Job

	require.Eventually(t, func() bool {
		var err error

		job, err = ledger.FindJob(context.Background(), jobID)
		if err != nil {
			return false
		}

		return job.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond, "job %d never reached a terminal state", jobID)

	return job
}

func collectUntilTerminal(t *testing.T, ch <-chan ProgressEvent) []ProgressEvent {
	t.Helper()

	var events []ProgressEvent

	deadline := time.After(5 * time.Second)

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}

			events = append(events, event)
			if event.IsTerminal() {
				return events
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal progress event")
		}
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	source := newFakeSource(makeRows(150))
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	ch, cancel, err := orch.Subscribe(ctx)
	require.NoError(t, err)

	defer cancel()

	// Synthetic event first: nothing is running yet.
	idle := <-ch
	assert.Equal(t, StatusIdle, idle.Status)

	jobID, err := orch.TriggerRefresh(ctx, ReasonManual)
	require.NoError(t, err)
	require.Positive(t, jobID)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 150, job.ProcessedCount)
	assert.Equal(t, 150, job.TotalCount)
	assert.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.Error)

	events := collectUntilTerminal(t, ch)
	require.Len(t, events, 5)

	// Initial event announces the total, then one event per batch.
	for i, expected := range []int{0, 50, 100, 150} {
		assert.Equal(t, StatusRunning, events[i].Status)
		assert.Equal(t, expected, events[i].Processed)
		assert.Equal(t, 150, events[i].Total)
	}

	terminal := events[len(events)-1]
	assert.Equal(t, StatusCompleted, terminal.Status)
	assert.Equal(t, 150, terminal.Processed)

	assert.Len(t, writer.snapshot(), 150)
}

func TestOrchestratorEmptyCandidateSet(t *testing.T) {
	source := newFakeSource(nil)
	writer := &fakeWriter{current: makeRows(10)} // previous snapshot had rows
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	jobID, err := orch.TriggerRefresh(context.Background(), ReasonScheduledImport)
	require.NoError(t, err)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 0, job.ProcessedCount)
	assert.Equal(t, 0, job.TotalCount)

	// The empty set is a valid refresh outcome, not a failure.
	assert.Empty(t, writer.snapshot())
	assert.Equal(t, 1, writer.swaps)
}

func TestOrchestratorRejectsConcurrentTrigger(t *testing.T) {
	source := newFakeSource(makeRows(100))
	source.gate = make(chan struct{})
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	// Trigger A wins admission and blocks inside the batch loop.
	jobA, err := orch.TriggerRefresh(ctx, ReasonManual)
	require.NoError(t, err)

	// Trigger B loses while A is running.
	_, err = orch.TriggerRefresh(ctx, ReasonScheduledImport)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshAlreadyRunning)

	// Let A finish, then C is admitted as a brand new job.
	close(source.gate)
	waitForTerminal(t, ledger, jobA)

	jobC, err := orch.TriggerRefresh(ctx, ReasonConfigChange)
	require.NoError(t, err)
	assert.Greater(t, jobC, jobA)

	waitForTerminal(t, ledger, jobC)
}

func TestOrchestratorMutualExclusionUnderConcurrency(t *testing.T) {
	source := newFakeSource(makeRows(10))
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	const triggers = 20

	var (
		wg        sync.WaitGroup
		admitted  int
		conflicts int
		mu        sync.Mutex
	)

	source.gate = make(chan struct{})

	for i := 0; i < triggers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := orch.TriggerRefresh(context.Background(), ReasonManual)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrRefreshAlreadyRunning):
				conflicts++
			default:
				t.Errorf("unexpected trigger error: %v", err)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, admitted, "exactly one concurrent trigger may win admission")
	assert.Equal(t, triggers-1, conflicts)

	close(source.gate)

	running, err := ledger.FindRunning(context.Background())
	require.NoError(t, err)

	if running != nil {
		waitForTerminal(t, ledger, running.ID)
	}
}

func TestOrchestratorFailureLeavesSnapshotIntact(t *testing.T) {
	previous := makeRows(30)
	writer := &fakeWriter{current: previous}

	source := newFakeSource(makeRows(150))
	source.failAfter = 2 // two batches succeed, the third blows up

	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ch, cancel, err := orch.Subscribe(context.Background())
	require.NoError(t, err)

	defer cancel()

	<-ch // synthetic idle event

	jobID, err := orch.TriggerRefresh(context.Background(), ReasonManual)
	require.NoError(t, err)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, errSourceDown.Error())
	assert.Equal(t, 100, job.ProcessedCount, "progress reflects the batches that succeeded")

	events := collectUntilTerminal(t, ch)
	terminal := events[len(events)-1]
	assert.Equal(t, StatusFailed, terminal.Status)
	assert.NotEmpty(t, terminal.Error)

	// The previous snapshot survives the failed run untouched.
	assert.Equal(t, previous, writer.snapshot())
	assert.Equal(t, 0, writer.swaps)
}

func TestOrchestratorSwapFailureLeavesSnapshotIntact(t *testing.T) {
	previous := makeRows(5)
	writer := &fakeWriter{current: previous, err: errors.New("commit failed")}
	source := newFakeSource(makeRows(20))
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	jobID, err := orch.TriggerRefresh(context.Background(), ReasonManual)
	require.NoError(t, err)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "commit failed")
	assert.Equal(t, previous, writer.snapshot())
}

func TestOrchestratorRejectsInvalidAggregate(t *testing.T) {
	rows := makeRows(3)
	rows[1].TotalFindings = 99 // severity counts no longer add up

	source := newFakeSource(rows)
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	jobID, err := orch.TriggerRefresh(context.Background(), ReasonManual)
	require.NoError(t, err)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "severity counts")
	assert.Equal(t, 0, writer.swaps)
}

func TestOrchestratorRejectsUnknownReason(t *testing.T) {
	orch, _, bus := newTestOrchestrator(newFakeSource(nil), &fakeWriter{}, 50)

	defer func() { _ = bus.Close() }()

	_, err := orch.TriggerRefresh(context.Background(), "because")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownReason)
}

func TestOrchestratorSubscribeWhileRunning(t *testing.T) {
	source := newFakeSource(makeRows(100))
	source.gate = make(chan struct{})
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	jobID, err := orch.TriggerRefresh(ctx, ReasonManual)
	require.NoError(t, err)

	// A subscriber connecting mid-run sees the running job immediately.
	ch, cancel, err := orch.Subscribe(ctx)
	require.NoError(t, err)

	defer cancel()

	current := <-ch
	assert.Equal(t, jobID, current.JobID)
	assert.Equal(t, StatusRunning, current.Status)

	close(source.gate)
	waitForTerminal(t, ledger, jobID)

	events := collectUntilTerminal(t, ch)
	assert.Equal(t, StatusCompleted, events[len(events)-1].Status)
}

// terminalRacingLedger completes the running job and publishes its terminal
// event while a subscriber is still reading the ledger state, reproducing a
// worker finishing in the middle of a Subscribe call.
type terminalRacingLedger struct {
	*memoryLedger

	bus  *ProgressBus
	once sync.Once
}

func (l *terminalRacingLedger) FindRunning(ctx context.Context) (*Job, error) {
	running, err := l.memoryLedger.FindRunning(ctx)
	if err != nil || running == nil {
		return running, err
	}

	l.once.Do(func() {
		_, _ = l.memoryLedger.Complete(ctx, running.ID)
		l.bus.Publish(ProgressEvent{
			JobID:     running.ID,
			Status:    StatusCompleted,
			Reason:    running.Reason,
			Processed: running.ProcessedCount,
			Total:     running.TotalCount,
			Timestamp: time.Now(),
		})
	})

	return running, err
}

func TestOrchestratorSubscribeSeesTerminalRacingThePrime(t *testing.T) {
	bus := NewProgressBus(nil)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	inner := newMemoryLedger()
	jobID, err := inner.CreateJob(ctx, ReasonManual)
	require.NoError(t, err)

	ledger := &terminalRacingLedger{memoryLedger: inner, bus: bus}
	orch := NewOrchestrator(ledger, newFakeSource(nil), &fakeWriter{}, bus, nil, nil)

	ch, cancel, err := orch.Subscribe(ctx)
	require.NoError(t, err)

	defer cancel()

	// The terminal event published mid-subscribe must reach the subscriber
	// instead of being shadowed by a stale RUNNING prime.
	events := collectUntilTerminal(t, ch)
	terminal := events[len(events)-1]
	assert.Equal(t, jobID, terminal.JobID)
	assert.Equal(t, StatusCompleted, terminal.Status)
}

// gatedWriter blocks inside the snapshot swap until released, holding the run
// open long enough for something else to terminate its job.
type gatedWriter struct {
	fakeWriter

	entered chan struct{}
	release chan struct{}
}

func (w *gatedWriter) ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) error {
	close(w.entered)
	<-w.release

	return w.fakeWriter.ReplaceSnapshot(ctx, rows)
}

func drainEvents(ch <-chan ProgressEvent) []ProgressEvent {
	var events []ProgressEvent

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}

			events = append(events, event)
		default:
			return events
		}
	}
}

func TestOrchestratorSuppressesCompletionAfterWatchdogFailure(t *testing.T) {
	source := newFakeSource(makeRows(10))
	writer := &gatedWriter{entered: make(chan struct{}), release: make(chan struct{})}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	ch, cancel, err := orch.Subscribe(ctx)
	require.NoError(t, err)

	defer cancel()

	<-ch // synthetic idle event

	jobID, err := orch.TriggerRefresh(ctx, ReasonManual)
	require.NoError(t, err)

	// The run wedges inside the snapshot swap; the watchdog reconciles it.
	<-writer.entered

	ledger.mu.Lock()
	ledger.jobs[jobID].UpdatedAt = time.Now().Add(-time.Hour)
	ledger.mu.Unlock()

	watchdog := NewWatchdog(ledger, bus, time.Minute, 15*time.Minute, nil)
	watchdog.Sweep(ctx)

	// The worker wakes up and tries to complete a job that already failed.
	close(writer.release)
	require.NoError(t, orch.Close())

	events := collectUntilTerminal(t, ch)
	terminal := events[len(events)-1]
	assert.Equal(t, StatusFailed, terminal.Status)

	// The failed outcome is final: no contradictory completion follows it.
	for _, event := range drainEvents(ch) {
		assert.NotEqual(t, StatusCompleted, event.Status,
			"completion event published for a job the watchdog already failed")
	}

	job, err := ledger.FindJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
}

func TestOrchestratorBatchesStableUnderConcurrentInserts(t *testing.T) {
	// Candidates occupy even asset ids so an import can slot new assets in
	// between them mid-run.
	rows := makeRows(100)
	for i := range rows {
		rows[i].AssetID = int64(2 * (i + 1))
	}

	source := newFakeSource(rows)
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	inserted := false
	source.onFetch = func() {
		if inserted {
			return
		}

		inserted = true

		// An import finishing between batches adds assets below the cursor.
		extra := makeRows(50)
		for i := range extra {
			extra[i].AssetID = int64(2*i + 1)
		}

		source.rows = append(source.rows, extra...)
		sort.Slice(source.rows, func(i, j int) bool {
			return source.rows[i].AssetID < source.rows[j].AssetID
		})
	}

	jobID, err := orch.TriggerRefresh(context.Background(), ReasonScheduledImport)
	require.NoError(t, err)

	job := waitForTerminal(t, ledger, jobID)
	assert.Equal(t, StatusCompleted, job.Status)

	// Every asset that was a candidate at run start lands in the snapshot
	// exactly once: no batch skips it, no batch serves it twice.
	seen := make(map[int64]int)
	for _, row := range writer.snapshot() {
		seen[row.AssetID]++
	}

	for id := int64(2); id <= 200; id += 2 {
		assert.Equal(t, 1, seen[id], "asset %d", id)
	}
}

func TestOrchestratorHistory(t *testing.T) {
	source := newFakeSource(makeRows(10))
	writer := &fakeWriter{}
	orch, ledger, bus := newTestOrchestrator(source, writer, 50)

	defer func() { _ = bus.Close() }()

	ctx := context.Background()

	var ids []int64

	for i := 0; i < 3; i++ {
		id, err := orch.TriggerRefresh(ctx, ReasonManual)
		require.NoError(t, err)
		waitForTerminal(t, ledger, id)

		ids = append(ids, id)
	}

	history, err := orch.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Newest first.
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
}
