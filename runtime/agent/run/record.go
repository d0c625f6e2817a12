package run

import (
	"context"
	"time"

	"github.com/crewflow/crewflow/runtime/agent/stage"
)

type (
	// Status represents the lifecycle state of a run.
	Status string

	// Outcome is the terminal result of a run as reported by the engine.
	Outcome struct {
		// Status is StatusCompleted, StatusFailed or StatusCanceled.
		Status Status
		// LastStage is the last stage that was invoked.
		LastStage stage.Stage
		// Steps is the number of stage invocations performed.
		Steps int
	}

	// Record captures lifecycle metadata of a run for observability and lookup.
	// Records do not hold the run state and cannot be used to resume a run.
	Record struct {
		// RunID identifies the run.
		RunID string
		// Status indicates the current lifecycle state.
		Status Status
		// Stage is the stage currently (or last) executing.
		Stage stage.Stage
		// Steps counts stage invocations so far.
		Steps int
		// StartedAt records when the run began.
		StartedAt time.Time
		// UpdatedAt records when the record was last updated.
		UpdatedAt time.Time
		// Error holds the failure message of a failed run.
		Error string
		// Labels stores caller-provided labels.
		Labels map[string]string
	}

	// Store persists run records.
	Store interface {
		Upsert(ctx context.Context, record Record) error
		Load(ctx context.Context, runID string) (Record, error)
	}
)

const (
	// StatusPending indicates the run has been accepted but not started yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the run is actively executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run reached the terminal stage.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the run was abandoned after caller cancellation.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}
