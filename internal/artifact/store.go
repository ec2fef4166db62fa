package artifact

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no artifact exists under the given key.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned when writing to a key that already holds an
	// artifact. Artifacts are immutable; re-produced outputs must use a
	// new key.
	ErrExists = errors.New("artifact already exists")
	// ErrInvalidKey is returned for keys with empty or malformed components.
	ErrInvalidKey = errors.New("invalid artifact key")
)

// Key identifies an artifact as {team-id}/{producer-task-id}/{logical-name}.
type Key struct {
	Team string
	Task string
	Name string
}

// NewKey builds a key from its components.
func NewKey(team, task, name string) Key {
	return Key{Team: team, Task: task, Name: name}
}

// String renders the canonical slash-separated form.
func (k Key) String() string {
	return k.Team + "/" + k.Task + "/" + k.Name
}

// Validate checks the key components for emptiness and embedded separators.
func (k Key) Validate() error {
	for _, part := range []string{k.Team, k.Task, k.Name} {
		if part == "" {
			return fmt.Errorf("%w: empty component in %q", ErrInvalidKey, k.String())
		}
		if strings.ContainsAny(part, "/\\") {
			return fmt.Errorf("%w: separator in component %q", ErrInvalidKey, part)
		}
	}
	return nil
}

// ParseKey parses the canonical form back into a Key.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{Team: parts[0], Task: parts[1], Name: parts[2]}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Store is the contract between the engine and artifact persistence.
// Implementations must be safe for concurrent use and must enforce
// write-once semantics per key. Artifacts outlive the team that produced
// them; deletion is an external cleanup concern exposed for completeness.
type Store interface {
	Put(key Key, data []byte) error
	Get(key Key) ([]byte, error)
	List(teamID string) ([]Key, error)
	Delete(key Key) error
}
