package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned when a task id is unknown to the graph.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownDependency is returned when a dependency references a task
	// that has not been created in this graph.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrDuplicateDependency is returned when the same dependency id is
	// declared more than once for a task.
	ErrDuplicateDependency = errors.New("duplicate dependency")
	// ErrInvalidTransition is returned on any attempt to violate the task
	// state machine, including re-terminating a terminal task.
	ErrInvalidTransition = errors.New("invalid transition")
)

// Graph holds the tasks of a single team and owns state-transition
// validity. All mutating operations and ReadySet are serialized behind one
// mutex so that MarkTerminal's cascading blockedBy removal and ReadySet's
// snapshot are atomic with respect to each other.
//
// Dependencies must reference previously created tasks, so a graph can
// never contain a cycle.
type Graph struct {
	mu    sync.Mutex
	tasks map[string]*task
	order []string // task ids in creation order
	seq   int
}

// New creates an empty task graph.
func New() *Graph {
	return &Graph{tasks: make(map[string]*task)}
}

// CreateTask registers a new pending task blocked by the given dependency
// ids and returns the generated task id.
func (g *Graph) CreateTask(subject, description string, dependencies []string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	blockedBy := make(map[string]struct{}, len(dependencies))
	for _, dep := range dependencies {
		if _, ok := g.tasks[dep]; !ok {
			return "", fmt.Errorf("task %q: dependency %q: %w", subject, dep, ErrUnknownDependency)
		}
		if _, ok := blockedBy[dep]; ok {
			return "", fmt.Errorf("task %q: dependency %q: %w", subject, dep, ErrDuplicateDependency)
		}
		blockedBy[dep] = struct{}{}
	}

	// A terminal dependency no longer blocks anything.
	for dep := range blockedBy {
		if g.tasks[dep].status.Terminal() {
			delete(blockedBy, dep)
		}
	}

	id := uuid.NewString()
	g.seq++
	g.tasks[id] = &task{
		id:          id,
		subject:     subject,
		description: description,
		status:      StatusPending,
		blockedBy:   blockedBy,
		seq:         g.seq,
		createdAt:   time.Now().UTC(),
	}
	g.order = append(g.order, id)
	return id, nil
}

// MarkRunning assigns the task to a worker. The task must be pending with
// an empty blockedBy set.
func (g *Graph) MarkRunning(taskID, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	if t.status != StatusPending {
		return fmt.Errorf("task %q is %s, not pending: %w", taskID, t.status, ErrInvalidTransition)
	}
	if len(t.blockedBy) > 0 {
		return fmt.Errorf("task %q has %d unresolved dependencies: %w", taskID, len(t.blockedBy), ErrInvalidTransition)
	}

	now := time.Now().UTC()
	t.status = StatusRunning
	t.owner = workerID
	t.startedAt = &now
	return nil
}

// MarkTerminal records the task's terminal outcome and atomically removes
// the task from every other task's blockedBy set. Terminal states are
// never reverted; a second call for the same task fails.
func (g *Graph) MarkTerminal(taskID string, outcome Outcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome %q is not terminal: %w", outcome.Status, ErrInvalidTransition)
	}
	if t.status.Terminal() {
		return fmt.Errorf("task %q is already %s: %w", taskID, t.status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	t.status = outcome.Status
	t.reason = outcome.Reason
	t.finishedAt = &now

	for _, other := range g.tasks {
		delete(other.blockedBy, taskID)
	}
	return nil
}

// ReadySet returns all pending tasks with an empty blockedBy set, ordered
// FIFO by creation with ties broken by lexical id order. The result is a
// single consistent snapshot.
func (g *Graph) ReadySet() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	type ready struct {
		id  string
		seq int
	}
	var rs []ready
	for id, t := range g.tasks {
		if t.status == StatusPending && len(t.blockedBy) == 0 {
			rs = append(rs, ready{id: id, seq: t.seq})
		}
	}
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].seq != rs[j].seq {
			return rs[i].seq < rs[j].seq
		}
		return rs[i].id < rs[j].id
	})

	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.id
	}
	return ids
}

// Task returns the external view of a single task.
func (g *Graph) Task(taskID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return Record{}, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return t.record(), nil
}

// Status returns the current status of a single task.
func (g *Graph) Status(taskID string) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[taskID]
	if !ok {
		return StatusPending, fmt.Errorf("task %q: %w", taskID, ErrTaskNotFound)
	}
	return t.status, nil
}

// Tasks returns records for all tasks in creation order.
func (g *Graph) Tasks() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	records := make([]Record, 0, len(g.order))
	for _, id := range g.order {
		records = append(records, g.tasks[id].record())
	}
	return records
}

// Pending returns the ids of all non-terminal, non-running tasks in
// creation order, regardless of their blockedBy sets.
func (g *Graph) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for _, id := range g.order {
		if g.tasks[id].status == StatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllTerminal reports whether every task has reached a terminal state.
func (g *Graph) AllTerminal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, t := range g.tasks {
		if !t.status.Terminal() {
			return false
		}
	}
	return true
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

func (t *task) record() Record {
	blocked := make([]string, 0, len(t.blockedBy))
	for id := range t.blockedBy {
		blocked = append(blocked, id)
	}
	sort.Strings(blocked)

	return Record{
		ID:          t.id,
		Subject:     t.subject,
		Description: t.description,
		Status:      t.status.String(),
		Reason:      t.reason,
		Owner:       t.owner,
		BlockedBy:   blocked,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		FinishedAt:  t.finishedAt,
	}
}
