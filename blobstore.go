package hefield

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore persists opaque named blobs: serialized contexts, the fallback key
// and backfill checkpoints. Implement it to keep key material in a secrets
// manager instead of the local filesystem.
type BlobStore interface {
	// Get returns the blob stored under name, or ErrBlobNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// Put stores data under name, replacing any previous blob.
	Put(ctx context.Context, name string, data []byte) error
}

// FileBlobStore keeps blobs as files in a single directory.
type FileBlobStore struct {
	dir string
}

// NewFileBlobStore creates the directory (0700) if needed.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileBlobStore) Dir() string {
	return s.dir
}

func (s *FileBlobStore) path(name string) (string, error) {
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: blob name %q", ErrInvalidIdentifier, name)
	}
	return filepath.Join(s.dir, filepath.FromSlash(name)), nil
}

// Get implements BlobStore.
func (s *FileBlobStore) Get(_ context.Context, name string) ([]byte, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// Put implements BlobStore. The write goes to a temp file renamed into place,
// so readers never observe a partially written context.
func (s *FileBlobStore) Put(_ context.Context, name string, data []byte) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(name), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// MemoryBlobStore is an in-memory BlobStore.
// Useful for testing or for processes that must not persist keys.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty MemoryBlobStore.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Get implements BlobStore.
func (s *MemoryBlobStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[name]
	if !ok {
		return nil, ErrBlobNotFound
	}
	// Return a copy to prevent external modification
	return append([]byte(nil), data...), nil
}

// Put implements BlobStore.
func (s *MemoryBlobStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs[name] = append([]byte(nil), data...)
	return nil
}

// Delete removes a blob. Missing blobs are ignored.
func (s *MemoryBlobStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, name)
}

// Names returns the stored blob names, sorted.
func (s *MemoryBlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedMapKeys(s.blobs)
}
