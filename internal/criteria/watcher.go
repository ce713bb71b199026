package criteria

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/schmalle/secman-snapshot/internal/refresh"
)

// DefaultPollInterval is how often the watcher checks the criteria file.
const DefaultPollInterval = 30 * time.Second

// Trigger starts a refresh run. Satisfied by *refresh.Orchestrator.
type Trigger interface {
	TriggerRefresh(ctx context.Context, reason string) (int64, error)
}

// Watcher polls the criteria file and triggers a config-change refresh when
// its modification time moves. Polling instead of inotify keeps the watcher
// portable and tolerant of editors that replace the file wholesale.
type Watcher struct {
	path     string
	trigger  Trigger
	logger   *slog.Logger
	interval time.Duration

	lastModTime time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher over the criteria file at path. A non-positive
// interval falls back to DefaultPollInterval.
func NewWatcher(path string, trigger Trigger, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:     path,
		trigger:  trigger,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background poll loop. The first poll only records the
// current modification time; a file that merely exists at startup does not
// trigger a refresh.
func (w *Watcher) Start(ctx context.Context) {
	w.lastModTime = w.modTime()

	go func() {
		defer close(w.done)

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.poll(ctx)
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// poll triggers a config-change refresh when the file changed since the last
// check. A refresh already in flight is not an error: the changed criteria
// apply on the next run anyway, so the conflict is logged and dropped.
func (w *Watcher) poll(ctx context.Context) {
	modTime := w.modTime()
	if !modTime.After(w.lastModTime) {
		return
	}

	w.lastModTime = modTime

	w.logger.Info("criteria file changed, triggering refresh",
		slog.String("path", w.path),
		slog.Time("mod_time", modTime))

	jobID, err := w.trigger.TriggerRefresh(ctx, refresh.ReasonConfigChange)
	if err != nil {
		if errors.Is(err, refresh.ErrRefreshAlreadyRunning) {
			w.logger.Info("refresh already running, criteria apply on the next run",
				slog.String("path", w.path))

			return
		}

		w.logger.Error("failed to trigger config-change refresh",
			slog.String("path", w.path),
			slog.String("error", err.Error()))

		return
	}

	w.logger.Info("config-change refresh started",
		slog.Int64("job_id", jobID))
}

// modTime returns the file's modification time, or the zero time when the
// file is absent or unreadable.
func (w *Watcher) modTime() time.Time {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}
	}

	return info.ModTime()
}

// Close stops the poll loop and waits for it to exit.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done

	return nil
}
