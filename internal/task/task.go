// Package task provides clients for the external task store that tracks
// async endpoint invocations.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses.
const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureMessage is the client-facing message stored on tasks whose
// handler failed.
const FailureMessage = "Task failed - please contact support or try again"

// Record is the externally visible state of one task.
type Record struct {
	ID        string    `json:"TaskId"`
	Status    Status    `json:"Status"`
	Message   string    `json:"Message,omitempty"`
	Endpoint  string    `json:"Endpoint"`
	Timestamp time.Time `json:"Timestamp"`
}

// Manager is the task store client used by the dispatcher, the execution
// engine and the status endpoint.
type Manager interface {
	// AddTask creates a record in the created state for endpoint.
	AddTask(ctx context.Context, endpoint string) (*Record, error)
	// UpdateTaskStatus moves a task to status with an optional message.
	UpdateTaskStatus(ctx context.Context, id string, status Status, message string) error
	// CompleteTask marks a task completed.
	CompleteTask(ctx context.Context, id, message string) error
	// FailTask marks a task failed.
	FailTask(ctx context.Context, id, message string) error
	// GetTaskStatus returns the record for id or util.ErrTaskNotFound.
	GetTaskStatus(ctx context.Context, id string) (*Record, error)
}
