package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"recordkeeper/pkg/storage"
)

// ErrNoSnapshot means nothing has been saved yet. Callers start empty.
var ErrNoSnapshot = errors.New("snapshot not found")

// Backend stores one encoded snapshot.
type Backend interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// FileBackend keeps the snapshot in a local file.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend for path, creating its directory.
func NewFileBackend(path string) (*FileBackend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileBackend{path: path}, nil
}

// Path returns the snapshot file location.
func (f *FileBackend) Path() string {
	return f.path
}

// Read returns the file contents or ErrNoSnapshot when the file is absent.
func (f *FileBackend) Read(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", f.path, ErrNoSnapshot)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Write replaces the file atomically via a temp file and rename.
func (f *FileBackend) Write(_ context.Context, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ObjectBackend keeps the snapshot as a single object in object storage.
type ObjectBackend struct {
	objects storage.ObjectStore
	key     string
}

// NewObjectBackend stores the snapshot under key.
func NewObjectBackend(objects storage.ObjectStore, key string) (*ObjectBackend, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "snapshots/data.json"
	}
	return &ObjectBackend{objects: objects, key: key}, nil
}

// Read fetches the object or returns ErrNoSnapshot when it is missing.
func (o *ObjectBackend) Read(ctx context.Context) ([]byte, error) {
	data, err := o.objects.Get(ctx, o.key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%s: %w", o.key, ErrNoSnapshot)
		}
		return nil, err
	}
	return data, nil
}

// Write uploads the snapshot.
func (o *ObjectBackend) Write(ctx context.Context, data []byte) error {
	return o.objects.Put(ctx, o.key, data, "application/json")
}
