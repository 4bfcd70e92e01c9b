// Package artifacts retains raw upstream payloads in content-addressed
// storage, keyed by the lowercase hex SHA-256 of their bytes. Payloads are
// write-once: there is no delete.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/canonicalize"
)

// ErrNotFound is returned for an unknown hash.
var ErrNotFound = errors.New("artifact not found")

// ErrCorrupt is returned when stored bytes no longer hash to their key.
var ErrCorrupt = errors.New("artifact content does not match its hash")

// Store is a content-addressed payload store.
type Store interface {
	// Put persists data and returns its SHA-256 hex digest.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under hash, verified against it.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
}

// objectKey shards by the first byte so no directory grows unbounded.
func objectKey(hash string) string {
	return hash[:2] + "/" + hash + ".raw"
}

func checkHash(hash string) error {
	if !canonicalize.IsHexDigest(hash) {
		return fmt.Errorf("invalid artifact hash %q", hash)
	}
	return nil
}

func verify(hash string, data []byte) ([]byte, error) {
	if got := canonicalize.HashBytes(data); got != hash {
		return nil, fmt.Errorf("%w: %s (got %s)", ErrCorrupt, hash, got)
	}
	return data, nil
}

// FileStore keeps payloads under a directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared data directory
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(hash string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(objectKey(hash)))
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := canonicalize.HashBytes(data)
	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob.*.tmp")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	_ = os.Chmod(name, 0o444)
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := checkHash(hash); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash)) //nolint:gosec // hash validated as hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return verify(hash, data)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(hash))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
