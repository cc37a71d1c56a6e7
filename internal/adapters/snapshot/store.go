// Package snapshot persists result documents as JSON files. Writes are
// atomic: content goes to a temp file in the target directory first and is
// renamed into place, so readers never observe a partial document.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"confluenceBot/internal/ports"
)

// Store writes and reads named JSON documents under one directory.
type Store struct {
	dir    string
	logger ports.Logger
}

// NewStore creates the directory if needed and returns a store rooted there.
func NewStore(dir string, log ports.Logger) (*Store, error) {
	if dir == "" || log == nil {
		return nil, fmt.Errorf("%w: snapshot directory and logger are required", ports.ErrConfigurationError)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory '%s': %w", dir, err)
	}
	return &Store{dir: dir, logger: log}, nil
}

// Save marshals v and atomically replaces the named document.
func (s *Store) Save(ctx context.Context, name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot %s: %w", name, err)
	}

	target := s.path(name)
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for snapshot %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to rename snapshot %s into place: %w", name, err)
	}

	s.logger.Info(ctx, "Snapshot written", map[string]interface{}{
		"name":  name,
		"path":  target,
		"bytes": len(data),
	})
	return nil
}

// Load reads the named document into v.
func (s *Store) Load(_ context.Context, name string, v interface{}) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: snapshot %s", ports.ErrNotFound, name)
		}
		return fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot %s: %w", name, err)
	}
	return nil
}

// List returns the stored document names, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot directory '%s': %w", s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}
