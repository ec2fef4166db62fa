package scheduler

import (
	"fmt"

	"github.com/taskcrew/taskcrew/internal/graph"
	"github.com/taskcrew/taskcrew/internal/logger"
)

// Assignment pairs a ready task with the partial-input flag telling the
// executor that some advisory inputs are missing.
type Assignment struct {
	TaskID       string
	PartialInput bool
}

// Skip records a task the scheduler auto-skipped during failure
// propagation, with the reason that was written to the graph.
type Skip struct {
	TaskID string
	Reason string
}

// Scheduler turns the graph's ready set into assignments and decides the
// fate of tasks blocked on an unsatisfiable required dependency. It holds
// no state of its own; every Evaluate reads the current graph and matrix.
type Scheduler struct {
	graph  *graph.Graph
	matrix *Matrix
}

// New creates a scheduler over the given graph and dependency matrix.
func New(g *graph.Graph, m *Matrix) *Scheduler {
	return &Scheduler{graph: g, matrix: m}
}

// Evaluate runs failure propagation to a fixpoint, then computes the
// assignments for the current ready set. Propagation is deterministic: a
// pending task is skipped the moment any required dependency lands in a
// non-succeeded terminal state, without waiting for its remaining
// dependencies. Skips cascade, since a skip is itself terminal.
func (s *Scheduler) Evaluate() ([]Assignment, []Skip, error) {
	skips, err := s.propagate()
	if err != nil {
		return nil, nil, err
	}

	var assignments []Assignment
	for _, taskID := range s.graph.ReadySet() {
		partial, err := s.partialInput(taskID)
		if err != nil {
			return nil, nil, err
		}
		assignments = append(assignments, Assignment{TaskID: taskID, PartialInput: partial})
	}
	return assignments, skips, nil
}

// propagate skips every pending task with a failed or skipped required
// dependency, looping until no further task changes state.
func (s *Scheduler) propagate() ([]Skip, error) {
	var skips []Skip
	for {
		changed := false
		for _, taskID := range s.graph.Pending() {
			reason, err := s.requiredUnsatisfiable(taskID)
			if err != nil {
				return nil, err
			}
			if reason == "" {
				continue
			}
			if err := s.graph.MarkTerminal(taskID, graph.Skipped(reason)); err != nil {
				return nil, err
			}
			logger.Op.WithFields(map[string]interface{}{
				"task":   taskID,
				"reason": reason,
			}).Debug("Task skipped by failure propagation")
			skips = append(skips, Skip{TaskID: taskID, Reason: reason})
			changed = true
		}
		if !changed {
			return skips, nil
		}
	}
}

// requiredUnsatisfiable returns the skip reason if any required
// dependency of the task can no longer succeed, or "" otherwise. A task
// that declares no required dependencies is never auto-skipped.
func (s *Scheduler) requiredUnsatisfiable(taskID string) (string, error) {
	for _, depID := range s.matrix.Dependencies(taskID) {
		if s.matrix.Kinds(taskID)[depID] != graph.KindRequired {
			continue
		}
		status, err := s.graph.Status(depID)
		if err != nil {
			return "", fmt.Errorf("dependency matrix references %q: %w", depID, err)
		}
		switch status {
		case graph.StatusFailed:
			return fmt.Sprintf("required dependency failed: %s", depID), nil
		case graph.StatusSkipped:
			return fmt.Sprintf("required dependency skipped: %s", depID), nil
		}
	}
	return "", nil
}

// partialInput reports whether any optional dependency of the task
// terminated without succeeding, meaning the executor will see a reduced
// input set.
func (s *Scheduler) partialInput(taskID string) (bool, error) {
	for depID, kind := range s.matrix.Kinds(taskID) {
		if kind != graph.KindOptional {
			continue
		}
		status, err := s.graph.Status(depID)
		if err != nil {
			return false, fmt.Errorf("dependency matrix references %q: %w", depID, err)
		}
		if status.Terminal() && status != graph.StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}
