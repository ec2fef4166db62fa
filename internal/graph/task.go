package graph

import "time"

// Status represents the lifecycle state of a task.
type Status int

const (
	// StatusPending indicates the task is waiting for its dependencies
	StatusPending Status = iota
	// StatusRunning indicates the task is assigned to a worker and executing
	StatusRunning
	// StatusSucceeded indicates the task completed successfully
	StatusSucceeded
	// StatusFailed indicates the task failed during execution
	StatusFailed
	// StatusSkipped indicates the task was skipped without executing
	StatusSkipped
)

// String returns a string representation of the Status
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Outcome is the structured terminal result of a task. Failure and skip
// carry a reason; success never does.
type Outcome struct {
	Status Status
	Reason string
}

// Succeeded returns the successful outcome.
func Succeeded() Outcome {
	return Outcome{Status: StatusSucceeded}
}

// Failed returns a failed outcome with the given reason.
func Failed(reason string) Outcome {
	return Outcome{Status: StatusFailed, Reason: reason}
}

// Skipped returns a skipped outcome with the given reason.
func Skipped(reason string) Outcome {
	return Outcome{Status: StatusSkipped, Reason: reason}
}

// Kind classifies a dependency edge. A failed required dependency skips
// its dependents; a failed optional dependency only withholds input.
type Kind string

const (
	KindRequired Kind = "required"
	KindOptional Kind = "optional"
)

// task is the internal mutable representation. All access goes through
// the Graph mutex.
type task struct {
	id          string
	subject     string
	description string
	status      Status
	reason      string
	owner       string
	blockedBy   map[string]struct{}
	seq         int
	createdAt   time.Time
	startedAt   *time.Time
	finishedAt  *time.Time
}

// Record is the external, immutable view of a task.
type Record struct {
	ID              string          `json:"id"`
	Subject         string          `json:"subject"`
	Description     string          `json:"description"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	BlockedBy       []string        `json:"blocked_by"`
	DependencyKinds map[string]Kind `json:"dependency_kinds,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// Duration returns the wall time the task spent executing, or zero if it
// never ran to completion.
func (r Record) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}
