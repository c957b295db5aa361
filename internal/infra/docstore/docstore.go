// Package docstore provides write-once byte storage for documents and
// signature images. References are never overwritten.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"countersign/internal/domain"
	"countersign/internal/usecase"
)

var (
	ErrExists     = fmt.Errorf("%w: document already stored", domain.ErrConflict)
	ErrInvalidRef = fmt.Errorf("%w: invalid document reference", domain.ErrValidation)
)

type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var (
	_ usecase.DocumentStore = (*Memory)(nil)
	_ usecase.DocumentStore = (*FileStore)(nil)
)

func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[ref]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Put(_ context.Context, ref string, data []byte) error {
	if _, err := cleanRef(ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[ref]; ok {
		return ErrExists
	}
	m.data[ref] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Exists(_ context.Context, ref string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[ref]
	return ok, nil
}

// Delete removes ref. Deleting a missing reference is not an error.
func (m *Memory) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ref)
	return nil
}

// FileStore keeps each reference as a file below root.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("document root is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create document root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) path(ref string) (string, error) {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, cleaned), nil
}

func (f *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	p, err := f.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, ref)
	}
	return data, err
}

// Put writes the file exclusively. An existing reference is never replaced.
func (f *FileStore) Put(_ context.Context, ref string, data []byte) error {
	p, err := f.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	file, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o440)
	if errors.Is(err, fs.ErrExist) {
		return ErrExists
	}
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(p)
		return err
	}
	return file.Close()
}

func (f *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	p, err := f.path(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Delete removes ref. Deleting a missing reference is not an error.
func (f *FileStore) Delete(_ context.Context, ref string) error {
	p, err := f.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func cleanRef(ref string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(ref), "/")
	cleaned := filepath.Clean(trimmed)
	if cleaned == "." || cleaned == "" || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", ErrInvalidRef
	}
	return cleaned, nil
}
