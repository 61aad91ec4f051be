package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrFileNotFound is returned when a stored file key does not exist.
var ErrFileNotFound = errors.New("stored file not found")

// StoredFile describes bytes written to a FileStore.
type StoredFile struct {
	Key    string
	Size   int64
	SHA256 string
}

// FileStore is the durable byte source for uploaded spreadsheets.
type FileStore interface {
	Put(ctx context.Context, key string, r io.Reader) (StoredFile, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// hashingCopy copies r into w and returns the byte count and SHA-256.
func hashingCopy(w io.Writer, r io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		return n, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// DirFileStore keeps files under a local directory.
type DirFileStore struct {
	root string
}

// NewDirFileStore creates the root directory if needed.
func NewDirFileStore(root string) (*DirFileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads directory: %w", err)
	}
	return &DirFileStore{root: root}, nil
}

func (s *DirFileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid file key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *DirFileStore) Put(_ context.Context, key string, r io.Reader) (StoredFile, error) {
	p, err := s.path(key)
	if err != nil {
		return StoredFile{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return StoredFile{}, fmt.Errorf("create file directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return StoredFile{}, fmt.Errorf("create temp file: %w", err)
	}
	n, sum, err := hashingCopy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return StoredFile{}, fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return StoredFile{}, fmt.Errorf("commit file: %w", err)
	}
	return StoredFile{Key: key, Size: n, SHA256: sum}, nil
}

func (s *DirFileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrFileNotFound)
	}
	return f, err
}

func (s *DirFileStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MemoryFileStore keeps files in memory. Used by tests and the CLI.
type MemoryFileStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{files: make(map[string][]byte)}
}

func (s *MemoryFileStore) Put(_ context.Context, key string, r io.Reader) (StoredFile, error) {
	var buf bytes.Buffer
	n, sum, err := hashingCopy(&buf, r)
	if err != nil {
		return StoredFile{}, fmt.Errorf("write file: %w", err)
	}
	s.mu.Lock()
	s.files[key] = buf.Bytes()
	s.mu.Unlock()
	return StoredFile{Key: key, Size: n, SHA256: sum}, nil
}

func (s *MemoryFileStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	b, ok := s.files[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrFileNotFound)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryFileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.files, key)
	s.mu.Unlock()
	return nil
}

// Replace overwrites stored bytes without rehashing. Tests use it to
// simulate storage corruption.
func (s *MemoryFileStore) Replace(key string, b []byte) {
	s.mu.Lock()
	s.files[key] = b
	s.mu.Unlock()
}
