package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DiskStorage keeps objects as files below BasePath. Writes go to a temp file
// in the target directory and are renamed into place.
type DiskStorage struct {
	// BasePath is a directory writable by the current process.
	BasePath string
	// BaseURL, when set, is used to build the returned object URLs; otherwise
	// the absolute file path is returned.
	BaseURL string
}

// NewDiskStorage creates the base directory if needed.
func NewDiskStorage(basePath, baseURL string) (*DiskStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir %s: %w", basePath, err)
	}
	return &DiskStorage{BasePath: basePath, BaseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *DiskStorage) fullPath(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.BasePath, filepath.FromSlash(cleaned)), nil
}

// URL returns the public location of key.
func (s *DiskStorage) URL(key string) string {
	if s.BaseURL == "" {
		p, _ := s.fullPath(key)
		return p
	}
	return s.BaseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

// Put atomically replaces the file for key.
func (s *DiskStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	fileName, err := s.fullPath(key)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(fileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fileName)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, fileName); err != nil {
		return "", err
	}
	return s.URL(key), nil
}

// Get reads the file for key.
func (s *DiskStorage) Get(ctx context.Context, key string) ([]byte, error) {
	fileName, err := s.fullPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fileName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// Delete removes the file for key. Deleting a missing key is not an error.
func (s *DiskStorage) Delete(ctx context.Context, key string) error {
	fileName, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fileName); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every entry below BasePath but keeps the directory itself.
func (s *DiskStorage) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(s.BasePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return os.MkdirAll(s.BasePath, 0o755)
		}
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(s.BasePath, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
