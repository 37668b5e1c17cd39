// Package storage provides file-based JSON storage on top of an afero
// filesystem.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound = errors.New("not found")
)

// Storage provides file-based JSON storage. Keys are path segments; the last
// segment names a .json file.
type Storage struct {
	fs       afero.Fs
	basePath string
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
}

// New creates a Storage rooted at basePath on fs. A nil fs uses the OS
// filesystem.
func New(fs afero.Fs, basePath string) *Storage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Storage{
		fs:       fs,
		basePath: basePath,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Storage) pathToFile(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...) + ".json"
}

func (s *Storage) pathToDir(path []string) string {
	parts := append([]string{s.basePath}, path...)
	return filepath.Join(parts...)
}

// Get retrieves a value from storage.
func (s *Storage) Get(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := afero.ReadFile(s.fs, s.pathToFile(path))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Put stores a value, writing a temp file and renaming it into place.
func (s *Storage) Put(ctx context.Context, path []string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath := s.pathToFile(path)

	if err := s.fs.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes a value. Deleting a missing value is not an error.
func (s *Storage) Delete(ctx context.Context, path []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath := s.pathToFile(path)

	lock := s.getLock(filePath)
	lock.Lock()
	defer lock.Unlock()

	if err := s.fs.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List returns the keys and sub-directories at a path.
func (s *Storage) List(ctx context.Context, path []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, s.pathToDir(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	items := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			items = append(items, name)
		} else if strings.HasSuffix(name, ".json") {
			items = append(items, strings.TrimSuffix(name, ".json"))
		}
	}
	return items, nil
}

// Scan calls fn for every value stored directly under path. Unreadable files
// are skipped.
func (s *Storage) Scan(ctx context.Context, path []string, fn func(key string, data json.RawMessage) error) error {
	dirPath := s.pathToDir(path)
	entries, err := afero.ReadDir(s.fs, dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read directory: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(dirPath, name))
		if err != nil {
			continue
		}
		if err := fn(strings.TrimSuffix(name, ".json"), json.RawMessage(data)); err != nil {
			return err
		}
	}
	return nil
}

// Exists checks if a value exists.
func (s *Storage) Exists(ctx context.Context, path []string) bool {
	_, err := s.fs.Stat(s.pathToFile(path))
	return err == nil
}

func (s *Storage) getLock(filePath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[filePath] = lock
	}
	return lock
}
