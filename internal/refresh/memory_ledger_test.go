package refresh

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryLedger is an in-memory Ledger with the same atomic admission
// semantics as the persistent implementation. Used across the engine tests.
type memoryLedger struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	nextID int64
	now    func() time.Time
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{
		jobs: make(map[int64]*Job),
		now:  time.Now,
	}
}

func (l *memoryLedger) CreateJob(_ context.Context, reason string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, job := range l.jobs {
		if job.Status == StatusRunning {
			return 0, ErrRefreshAlreadyRunning
		}
	}

	l.nextID++
	now := l.now()
	l.jobs[l.nextID] = &Job{
		ID:        l.nextID,
		Reason:    reason,
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}

	return l.nextID, nil
}

func (l *memoryLedger) FindJob(_ context.Context, id int64) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	copied := *job

	return &copied, nil
}

func (l *memoryLedger) FindRunning(_ context.Context) (*Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, job := range l.jobs {
		if job.Status == StatusRunning {
			copied := *job

			return &copied, nil
		}
	}

	return nil, nil
}

func (l *memoryLedger) History(_ context.Context, limit int) ([]Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	jobs := make([]Job, 0, len(l.jobs))
	for _, job := range l.jobs {
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID > jobs[j].ID })

	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

func (l *memoryLedger) UpdateProgress(_ context.Context, id int64, processed, total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	if processed < job.ProcessedCount {
		return ErrProgressRegression
	}

	job.ProcessedCount = processed
	job.TotalCount = total
	job.UpdatedAt = l.now()

	return nil
}

func (l *memoryLedger) Complete(_ context.Context, id int64) (bool, error) {
	return l.finish(id, StatusCompleted, "")
}

func (l *memoryLedger) Fail(_ context.Context, id int64, message string) (bool, error) {
	return l.finish(id, StatusFailed, message)
}

func (l *memoryLedger) finish(id int64, status JobStatus, message string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}

	if job.Status.IsTerminal() {
		return false, nil // idempotent, first outcome stands
	}

	now := l.now()
	job.Status = status
	job.Error = message
	job.FinishedAt = &now
	job.UpdatedAt = now

	return true, nil
}

func (l *memoryLedger) FindStalled(_ context.Context, cutoff time.Time) ([]Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stalled []Job

	for _, job := range l.jobs {
		if job.Status == StatusRunning && job.UpdatedAt.Before(cutoff) {
			stalled = append(stalled, *job)
		}
	}

	return stalled, nil
}
