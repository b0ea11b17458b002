// Package blobstore implements the filesystem-backed storage for
// received instance bytes, keyed by SOP Instance UID. Grounded on
// marmos91-dittofs's pkg/payload/store/fs.Store: write-temp-then-rename
// for atomicity, path derived from the key with the root directory
// guarded against traversal.
package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dicomnet/pacscore/errors"
)

// Store is a filesystem-backed blob store. Instances are laid out as
// <root>/<uid prefix>/<uid>.dcm so no single directory accumulates an
// unbounded number of entries.
type Store struct {
	mu   sync.RWMutex
	root string
}

// Config configures the blob store's root directory.
type Config struct {
	RootDir  string
	DirMode  os.FileMode
	FileMode os.FileMode
}

// ApplyDefaults fills in unset configuration.
func (c *Config) ApplyDefaults() {
	if c.DirMode == 0 {
		c.DirMode = 0o755
	}
	if c.FileMode == 0 {
		c.FileMode = 0o644
	}
}

// Open creates the store's root directory if absent and returns a Store.
func Open(cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if cfg.RootDir == "" {
		return nil, errors.NewStorageError(errors.StorageFileWrite, "open blob store", os.ErrInvalid)
	}
	if err := os.MkdirAll(cfg.RootDir, cfg.DirMode); err != nil {
		return nil, errors.NewStorageError(errors.StorageFileWrite, "create blob root", err)
	}
	return &Store{root: cfg.RootDir}, nil
}

// relPath derives a relative path for sopUID that keeps the tree
// shallow while never escaping the store root.
func relPath(sopUID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '.', '\x00':
			return '_'
		default:
			return r
		}
	}, sopUID)
	prefix := sanitized
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return filepath.Join(prefix, sanitized+".dcm")
}

// Put writes data for sopUID atomically: it is written to a temp file
// in the same directory and renamed into place, so a reader never
// observes a partial blob.
func (s *Store) Put(sopUID string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel := relPath(sopUID)
	full := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", errors.NewStorageError(errors.StorageFileWrite, "create blob directory", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", errors.NewStorageError(errors.StorageFileWrite, "write blob temp file", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", errors.NewStorageError(errors.StorageFileWrite, "rename blob into place", err)
	}
	return rel, nil
}

// Get reads back the bytes stored for a relative path previously
// returned by Put (stored verbatim as Instance.FilePath in the index).
func (s *Store) Get(relFilePath string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	full := filepath.Join(s.root, relFilePath)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStorageError(errors.StorageFileNotFound, "read blob", err)
		}
		return nil, errors.NewStorageError(errors.StorageFileRead, "read blob", err)
	}
	return data, nil
}

// Delete removes the blob at relFilePath. A missing file is not an error.
func (s *Store) Delete(relFilePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := filepath.Join(s.root, relFilePath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(errors.StorageFileWrite, "delete blob", err)
	}
	return nil
}
