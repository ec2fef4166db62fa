package worker

import (
	"context"

	"github.com/taskcrew/taskcrew/internal/artifact"
	"github.com/taskcrew/taskcrew/internal/graph"
)

// Assignment is everything an executor sees about its unit of work: the
// task record, the partial-input flag, and a store handle for reading
// dependency artifacts and writing its own outputs under the task's key
// namespace.
type Assignment struct {
	TeamID       string
	Task         graph.Record
	PartialInput bool
	// Attempt counts execution tries within this assignment, starting at
	// 1. Executors with a retry policy bump it before each try.
	Attempt int
	Store   artifact.Store

	// Heartbeat signals liveness during long-running work. Executors
	// should call it periodically; a stale heartbeat gets the worker
	// force-terminated and the task failed.
	Heartbeat func()
}

// Result is the terminal outcome an executor reports for an assignment.
// Summary is bounded text; bulk output belongs in the artifact store with
// ArtifactRef pointing at it.
type Result struct {
	Outcome     graph.Outcome
	Summary     string
	ArtifactRef string
}

// Executor is the opaque task-execution logic plugged into a worker. The
// engine does not know what a task computes; it only schedules the work
// and records the returned outcome. Retry policy, if any, is the
// executor's own concern, applied before it reports a terminal result.
type Executor interface {
	Execute(ctx context.Context, a *Assignment) Result
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, a *Assignment) Result

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, a *Assignment) Result {
	return f(ctx, a)
}
