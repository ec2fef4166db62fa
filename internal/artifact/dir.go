package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DirStore persists artifacts under a root directory so outputs remain
// inspectable after the process exits. The on-disk layout mirrors the key
// contract: root/{team}/{task}/{name}. Write-once is enforced with
// O_EXCL, so concurrent producers cannot silently overwrite each other.
type DirStore struct {
	root string
}

// NewDirStore creates the root directory if needed and returns the store.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(key Key) string {
	return filepath.Join(s.root, key.Team, key.Task, key.Name)
}

// Put writes the artifact file, failing with ErrExists if it is present.
func (s *DirStore) Put(key Key, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrExists
		}
		return fmt.Errorf("create artifact %s: %w", key, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return nil
}

// Get reads the artifact bytes or returns ErrNotFound.
func (s *DirStore) Get(key Key) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

// List walks the team's directory and returns all keys sorted by
// canonical form. A missing team directory yields an empty list.
func (s *DirStore) List(teamID string) ([]Key, error) {
	teamDir := filepath.Join(s.root, teamID)
	if _, err := os.Stat(teamDir); errors.Is(err, fs.ErrNotExist) {
		return []Key{}, nil
	}

	var keys []Key
	err := filepath.WalkDir(teamDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		key, err := ParseKey(filepath.ToSlash(rel))
		if err != nil {
			return nil // foreign file, not one of ours
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts for team %s: %w", teamID, err)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Delete removes the artifact file or returns ErrNotFound.
func (s *DirStore) Delete(key Key) error {
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}
