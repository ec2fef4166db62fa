package scheduler

import (
	"sort"
	"sync"

	"github.com/taskcrew/taskcrew/internal/graph"
)

// Matrix is the side-table mapping each task to the kind of each of its
// declared dependencies. The graph's blockedBy sets are pruned as
// dependencies terminate, so the matrix is the only place the full
// declared edge set, and its required/optional classification, survives.
type Matrix struct {
	mu    sync.RWMutex
	kinds map[string]map[string]graph.Kind
}

// NewMatrix creates an empty dependency matrix.
func NewMatrix() *Matrix {
	return &Matrix{kinds: make(map[string]map[string]graph.Kind)}
}

// Declare records the kind of the edge task -> dep.
func (m *Matrix) Declare(taskID, depID string, kind graph.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deps, ok := m.kinds[taskID]
	if !ok {
		deps = make(map[string]graph.Kind)
		m.kinds[taskID] = deps
	}
	deps[depID] = kind
}

// Kinds returns a copy of the declared dependency kinds for the task.
func (m *Matrix) Kinds(taskID string) map[string]graph.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deps := m.kinds[taskID]
	out := make(map[string]graph.Kind, len(deps))
	for dep, kind := range deps {
		out[dep] = kind
	}
	return out
}

// Dependencies returns the declared dependency ids of the task in sorted
// order.
func (m *Matrix) Dependencies(taskID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deps := make([]string, 0, len(m.kinds[taskID]))
	for dep := range m.kinds[taskID] {
		deps = append(deps, dep)
	}
	sort.Strings(deps)
	return deps
}
