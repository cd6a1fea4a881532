package hades

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tartarus-sandbox/mnemosyne/pkg/domain"
)

// FileRestores keeps the last restore record of an embedded Registry in a
// JSON file, so in-process registries remember it across runs.
type FileRestores struct {
	Registry
	path string
	mu   sync.Mutex
}

func NewFileRestores(reg Registry, path string) *FileRestores {
	return &FileRestores{Registry: reg, path: path}
}

func (r *FileRestores) RecordRestore(ctx context.Context, rec domain.RestoreRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal restore record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".restore-*")
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	return r.Registry.RecordRestore(ctx, rec)
}

func (r *FileRestores) LastRestore(ctx context.Context) (*domain.RestoreRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return r.Registry.LastRestore(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrIO, err)
	}
	var rec domain.RestoreRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: restore record %s: %w", domain.ErrCorrupt, r.path, err)
	}
	return &rec, nil
}
