// Package refresh implements the snapshot refresh engine: the job ledger
// contract, the orchestrator that rebuilds the materialized snapshot, the
// in-process progress bus and the orphaned-job watchdog.
//
// At most one refresh job runs at a time. Admission is decided by the ledger
// in a single atomic operation, so concurrent triggers race safely: exactly
// one wins, the rest observe ErrRefreshAlreadyRunning.
package refresh

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared between the engine and its storage implementation.
var (
	// ErrRefreshAlreadyRunning indicates a trigger lost the admission race
	// because another refresh job currently holds the RUNNING slot.
	ErrRefreshAlreadyRunning = errors.New("a refresh is already running")

	// ErrJobNotFound indicates a lookup for a job id the ledger has never seen.
	ErrJobNotFound = errors.New("refresh job not found")

	// ErrProgressRegression indicates a progress update that would move the
	// processed count backwards.
	ErrProgressRegression = errors.New("progress update would regress processed count")

	// ErrInvalidTransition indicates a status change the job state machine forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrUnknownReason indicates a trigger reason outside the supported set.
	ErrUnknownReason = errors.New("unknown refresh reason")
)

// JobStatus is the lifecycle state of a refresh job.
type JobStatus string

// Job lifecycle states. A job is created directly in RUNNING (creation and
// admission are one atomic ledger operation) and ends in exactly one terminal
// state. StatusIdle never appears in the ledger; it is only published on the
// progress bus when a subscriber connects while no job is active.
const (
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusIdle      JobStatus = "IDLE"
)

// IsTerminal reports whether the status is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is a ledger-persistable state.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Trigger reasons recorded on every job.
const (
	ReasonManual          = "manual"
	ReasonScheduledImport = "scheduled-import"
	ReasonConfigChange    = "config-change"
)

// ValidReason reports whether reason is one of the supported trigger reasons.
func ValidReason(reason string) bool {
	switch reason {
	case ReasonManual, ReasonScheduledImport, ReasonConfigChange:
		return true
	default:
		return false
	}
}

// Job is one entry in the refresh job ledger.
type Job struct {
	// ID is assigned by the ledger and strictly increases with creation order.
	ID int64 `json:"jobId"`

	// Reason records what triggered the refresh.
	Reason string `json:"reason"`

	// Status is the current lifecycle state.
	Status JobStatus `json:"status"`

	// ProcessedCount and TotalCount track batch progress. TotalCount is the
	// candidate count observed at job start; ProcessedCount never decreases.
	ProcessedCount int `json:"processedCount"`
	TotalCount     int `json:"totalCount"`

	// StartedAt is when the job won admission.
	StartedAt time.Time `json:"startedAt"`

	// UpdatedAt is bumped on every progress update. The watchdog uses it to
	// detect jobs whose worker died without reaching a terminal state.
	UpdatedAt time.Time `json:"updatedAt"`

	// FinishedAt is set when the job reaches a terminal state.
	FinishedAt *time.Time `json:"finishedAt,omitempty"`

	// Error holds the failure message for FAILED jobs.
	Error string `json:"error,omitempty"`
}

// ValidateTransition validates a job status change.
//
// Valid transitions:
//   - RUNNING → {RUNNING, COMPLETED, FAILED}
//   - COMPLETED → COMPLETED, FAILED → FAILED (idempotent, no effect)
//
// Terminal states never transition to a different state. The ledger enforces
// the same rule in SQL; this function gives callers a client-friendly check
// before touching storage.
func ValidateTransition(from, to JobStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s is terminal, cannot become %s", ErrInvalidTransition, from, to)
		}

		return nil // idempotent terminal transition
	}

	return nil
}

// ProgressEvent is one update on the progress bus. Events for a single job are
// published in order; the terminal event is always delivered to subscribers.
type ProgressEvent struct {
	JobID     int64     `json:"jobId,omitempty"`
	Status    JobStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsTerminal reports whether the event closes out its job.
func (e ProgressEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// EventFromJob builds the synthetic event sent to a new subscriber so it sees
// the current engine state before any live events.
func EventFromJob(job *Job, now time.Time) ProgressEvent {
	if job == nil {
		return ProgressEvent{Status: StatusIdle, Timestamp: now}
	}

	return ProgressEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Reason:    job.Reason,
		Processed: job.ProcessedCount,
		Total:     job.TotalCount,
		Error:     job.Error,
		Timestamp: now,
	}
}
