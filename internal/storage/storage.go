// Package storage persists galleries and face crops behind one small blob API
// with disk, S3 and MinIO backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: object not found")

// ErrInvalidKey is returned for keys that are empty or escape the store root.
var ErrInvalidKey = errors.New("storage: invalid key")

// BlobStore is a flat key/value object store. Put must replace an existing
// object in one step so readers never observe a partial write.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Clearer is implemented by stores that can drop all their objects at once.
// Only the local unknown-face directory uses it.
type Clearer interface {
	Clear(ctx context.Context) error
}

// CleanKey normalizes a slash separated key and rejects keys that are empty,
// absolute or contain "..".
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// Prefixed namespaces every key of the wrapped store under prefix.
type Prefixed struct {
	Store  BlobStore
	Prefix string
}

func (p *Prefixed) key(key string) string {
	if p.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(p.Prefix, "/") + "/" + key
}

// Put stores data under the prefixed key.
func (p *Prefixed) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return p.Store.Put(ctx, p.key(key), data, contentType)
}

// Get loads the object under the prefixed key.
func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Store.Get(ctx, p.key(key))
}

// Delete removes the object under the prefixed key.
func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.Store.Delete(ctx, p.key(key))
}
