// Package local implements a local filesystem content store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem store.
type Config struct {
	// Root is the directory under which all artifacts are stored.
	Root string `mapstructure:"root" yaml:"root"`
}

// Store persists artifacts on the local filesystem. Writes go to a
// temporary file in the destination directory and are renamed into
// place, so no reader ever observes a partial file.
type Store struct {
	root string
}

// New creates a filesystem-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("storage root is required")
	}

	info, err := os.Stat(cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat storage root: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.Root, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create storage root: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("storage root is not a directory")
	}

	probe := filepath.Join(cfg.Root, ".writable_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return nil, fmt.Errorf("storage root is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Store{root: cfg.Root}, nil
}

// Write atomically persists data at path (relative to the root).
func (s *Store) Write(_ context.Context, path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck // write error takes precedence
		os.Remove(tmpName)    //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Read returns the bytes stored at path.
func (s *Store) Read(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}

// Exists reports whether path holds a stored object.
func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat file: %w", err)
	}
	return true, nil
}

// Delete removes the object at path. Deleting a missing object is not
// an error.
func (s *Store) Delete(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// EnsureContainer creates the directory at path if it does not exist.
func (s *Store) EnsureContainer(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0o750); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	return nil
}

// resolve joins path under the root and rejects traversal outside it.
func (s *Store) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	cleanRoot := filepath.Clean(s.root)
	if !strings.HasPrefix(filepath.Clean(full), cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage root")
	}
	return full, nil
}
