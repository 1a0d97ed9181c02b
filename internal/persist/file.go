package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/essaydesk/deskstore/internal/store"
)

// FileBackend persists the state as one JSON document.
//
// Save writes a temp file next to the target and renames it into place, so
// readers see either the previous state or the new one.
type FileBackend struct {
	path string
}

// NewFileBackend creates a backend writing to path. The parent directory is
// created on first Save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the document path.
func (b *FileBackend) Path() string {
	return b.path
}

// Save implements store.Port.
func (b *FileBackend) Save(_ context.Context, state store.State) error {
	data, err := store.EncodeState(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load implements store.Port. A missing file means nothing was persisted.
func (b *FileBackend) Load(_ context.Context) (store.State, bool, error) {
	// #nosec G304 - path comes from configuration
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read state file: %w", err)
	}

	state, err := store.DecodeStateLenient(data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", b.path, err)
	}
	return state, true, nil
}

// Clear implements store.Port.
func (b *FileBackend) Clear(_ context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}
