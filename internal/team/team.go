package team

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a team's execution scope.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Team is a bounded execution scope. It owns exactly one task graph and
// one worker pool, and is destroyed only after every task it owns
// reached a terminal state. The id carries a random suffix so repeated
// runs of the same definition get disjoint artifact namespaces.
type Team struct {
	mu           sync.Mutex
	id           string
	createdAt    time.Time
	terminatedAt *time.Time
}

// NewTeam creates an active team derived from the given name.
func NewTeam(name string) *Team {
	if name == "" {
		name = "team"
	}
	return &Team{
		id:        name + "-" + uuid.NewString()[:8],
		createdAt: time.Now().UTC(),
	}
}

// ID returns the team id.
func (t *Team) ID() string { return t.id }

// Status returns the current team status.
func (t *Team) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminatedAt != nil {
		return StatusTerminated
	}
	return StatusActive
}

// Terminate marks the team terminated. Idempotent: a second call leaves
// the original termination time in place.
func (t *Team) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminatedAt == nil {
		now := time.Now().UTC()
		t.terminatedAt = &now
	}
}

// Descriptor is the external view of a team.
type Descriptor struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Status    Status     `json:"status"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Descriptor returns the external view of the team.
func (t *Team) Descriptor() Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := Descriptor{
		ID:        t.id,
		CreatedAt: t.createdAt,
		Status:    StatusActive,
		EndedAt:   t.terminatedAt,
	}
	if t.terminatedAt != nil {
		d.Status = StatusTerminated
	}
	return d
}
