package artifact

import (
	"sort"
	"sync"
)

// MemoryStore is an in-process Store implementation for tests and
// single-process runs. Artifacts live in a nested map guarded by an
// RWMutex; data is copied on put and get so callers cannot mutate
// internal buffers.
//
// Layout: teamID -> "task/name" -> raw bytes
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]map[string][]byte
}

// NewMemoryStore returns an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]map[string][]byte)}
}

func entryKey(k Key) string {
	return k.Task + "/" + k.Name
}

// Put stores the artifact bytes under the key, or ErrExists if the key is
// already occupied. The input slice is copied before storage.
func (s *MemoryStore) Put(key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.artifacts[key.Team]
	if !ok {
		team = make(map[string][]byte)
		s.artifacts[key.Team] = team
	}
	if _, ok := team[entryKey(key)]; ok {
		return ErrExists
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	team[entryKey(key)] = cp
	return nil
}

// Get returns a copy of the stored artifact bytes or ErrNotFound.
func (s *MemoryStore) Get(key Key) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, ok := s.artifacts[key.Team]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := team[entryKey(key)]
	if !ok {
		return nil, ErrNotFound
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// List returns the keys stored for the team sorted by canonical form.
func (s *MemoryStore) List(teamID string) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	team, ok := s.artifacts[teamID]
	if !ok {
		return []Key{}, nil
	}

	keys := make([]Key, 0, len(team))
	for entry := range team {
		k, err := ParseKey(teamID + "/" + entry)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (s *MemoryStore) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	team, ok := s.artifacts[key.Team]
	if !ok {
		return ErrNotFound
	}
	if _, ok := team[entryKey(key)]; !ok {
		return ErrNotFound
	}
	delete(team, entryKey(key))
	return nil
}
