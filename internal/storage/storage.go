package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Storage stores init and media segments under slash separated keys such
// as "live/segment_3.m4s".
type Storage interface {
	// Write replaces the object at key
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the object at key, or an error wrapping ErrNotFound
	Read(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object; deleting a missing object is not an error
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the names of the objects directly under dir, sorted
	List(ctx context.Context, dir string) ([]string, error)

	Close() error
}

// ContentType returns the MIME type served for a key
func ContentType(key string) string {
	switch path.Ext(key) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".m4s":
		return "video/iso.segment"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// CacheControl returns the Cache-Control header value for a key
func CacheControl(key string) string {
	switch path.Ext(key) {
	case ".m3u8":
		// Playlists change with every segment
		return "no-cache, no-store, must-revalidate"
	case ".m4s":
		return "public, max-age=3600"
	case ".mp4":
		// A new publisher rewrites init.mp4
		return "no-cache"
	default:
		return "public, max-age=300"
	}
}

// LocalStorage implements Storage using local filesystem
type LocalStorage struct {
	baseDir string
}

var _ Storage = (*LocalStorage)(nil)

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	// Create base directory if it doesn't exist
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		baseDir: baseDir,
	}, nil
}

// Write writes to a temporary file and renames it into place, so readers
// never see a partial segment.
func (s *LocalStorage) Write(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Read reads data from a file
func (s *LocalStorage) Read(ctx context.Context, key string) ([]byte, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// Delete deletes a file
func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// Exists checks if a file exists
func (s *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := s.fullPath(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// List lists files in a directory
func (s *LocalStorage) List(ctx context.Context, dir string) ([]string, error) {
	fullPath, err := s.fullPath(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".tmp-") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	return files, nil
}

// Close is a no-op
func (s *LocalStorage) Close() error {
	return nil
}

// fullPath maps a key into baseDir, rejecting keys that would escape it
func (s *LocalStorage) fullPath(key string) (string, error) {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("storage: invalid key %q", key)
		}
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}
