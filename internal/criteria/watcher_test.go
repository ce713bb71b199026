package criteria

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schmalle/secman-snapshot/internal/refresh"
)

type fakeTrigger struct {
	mu      sync.Mutex
	reasons []string
	err     error
}

func (f *fakeTrigger) TriggerRefresh(_ context.Context, reason string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reasons = append(f.reasons, reason)

	if f.err != nil {
		return 0, f.err
	}

	return int64(len(f.reasons)), nil
}

func (f *fakeTrigger) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.reasons...)
}

func TestWatcherTriggersOnFileChange(t *testing.T) {
	path := writeCriteriaFile(t, "batch_size: 100\n")
	trigger := &fakeTrigger{}

	watcher := NewWatcher(path, trigger, 10*time.Millisecond, nil)
	watcher.Start(context.Background())

	defer func() { _ = watcher.Close() }()

	// Touch the file with a future mod time so the change is observable even
	// on filesystems with coarse timestamp resolution.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return len(trigger.calls()) > 0
	}, 2*time.Second, 10*time.Millisecond, "watcher never reacted to the file change")

	assert.Equal(t, refresh.ReasonConfigChange, trigger.calls()[0])
}

func TestWatcherIgnoresUnchangedFile(t *testing.T) {
	path := writeCriteriaFile(t, "batch_size: 100\n")
	trigger := &fakeTrigger{}

	watcher := NewWatcher(path, trigger, 10*time.Millisecond, nil)
	watcher.Start(context.Background())

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, watcher.Close())

	assert.Empty(t, trigger.calls(), "an untouched file must not trigger refreshes")
}

func TestWatcherDropsConflict(t *testing.T) {
	path := writeCriteriaFile(t, "batch_size: 100\n")
	trigger := &fakeTrigger{err: refresh.ErrRefreshAlreadyRunning}

	watcher := NewWatcher(path, trigger, 10*time.Millisecond, nil)
	watcher.Start(context.Background())

	defer func() { _ = watcher.Close() }()

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return len(trigger.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second sweep after the conflict must not re-trigger for the same edit.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, trigger.calls(), 1)
}

func TestWatcherToleratesMissingFile(t *testing.T) {
	trigger := &fakeTrigger{}

	watcher := NewWatcher("/nonexistent/.secman-snapshot.yaml", trigger, 10*time.Millisecond, nil)
	watcher.Start(context.Background())

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, watcher.Close())

	assert.Empty(t, trigger.calls())
}
