package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hedgeflow/rebalancer/internal/core/domain"
	"github.com/hedgeflow/rebalancer/internal/core/ports"
)

// Store is a filesystem-backed ports.JobStore: a single JSON document at
// path, archived jobs written under <dir(path)>/archive/.
type Store struct {
	path       string
	archiveDir string
}

var _ ports.JobStore = (*Store)(nil)

// New constructs a Store rooted at path, ensuring both the state directory
// and its archive subdirectory exist.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("statestore: path required")
	}
	dir := filepath.Dir(path)
	archiveDir := filepath.Join(dir, "archive")
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create archive directory: %w", err)
	}
	return &Store{path: path, archiveDir: archiveDir}, nil
}

// Load reads the live job document. It returns domain.ErrNoActiveJob if no
// document is present.
func (s *Store) Load(ctx context.Context) (*domain.Job, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNoActiveJob
	}
	if err != nil {
		return nil, fmt.Errorf("statestore: read state document: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("statestore: decode state document: %w", err)
	}
	return decode(&doc), nil
}

// Save atomically replaces the live job document: write to a temp file in
// the same directory, then os.Rename over the target, so a crash mid-write
// never leaves a torn document behind.
func (s *Store) Save(ctx context.Context, job *domain.Job) error {
	domain.Validate(job)

	data, err := json.MarshalIndent(encode(job), "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode state document: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "job-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp state file: %w", err)
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("statestore: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		tmp.Close()
		return fmt.Errorf("statestore: sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("statestore: close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		cleanup()
		return fmt.Errorf("statestore: replace state document: %w", err)
	}
	return nil
}

// Archive moves the live job document into the archive directory as
// rebalance-<unixMillis>.json and removes the live document, freeing the
// single-job slot.
func (s *Store) Archive(ctx context.Context, job *domain.Job, unixMillis int64) error {
	data, err := json.MarshalIndent(encode(job), "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode archived document: %w", err)
	}

	archivePath := filepath.Join(s.archiveDir, fmt.Sprintf("rebalance-%d.json", unixMillis))
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return fmt.Errorf("statestore: write archived document: %w", err)
	}

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("statestore: clear live state document: %w", err)
	}
	return nil
}
