package gallery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-recognition/internal/storage"
)

// ContentType is the media type galleries are stored with.
const ContentType = "application/x-protobuf"

// Cache is the subset of redis operations the store uses. A miss is reported
// as redis.Nil.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
}

// Store persists galleries as blobs keyed by unit and keeps a read-through
// cache of the encoded blob.
type Store struct {
	blobs  storage.BlobStore
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore builds a store. cache may be nil to disable caching.
func NewStore(blobs storage.BlobStore, cache Cache, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{
		blobs:  blobs,
		cache:  cache,
		ttl:    ttl,
		logger: logger.Named("gallery_store"),
	}
}

func cacheKey(unit string) string {
	return "gallery:" + unit
}

// Save replaces the gallery of unit in a single put.
func (s *Store) Save(ctx context.Context, unit string, g Gallery) (string, error) {
	data, err := Marshal(g)
	if err != nil {
		return "", err
	}
	location, err := s.blobs.Put(ctx, BlobKey(unit), data, ContentType)
	if err != nil {
		return "", fmt.Errorf("store gallery %s: %w", unit, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(unit), string(data), s.ttl); err != nil {
			s.logger.Warn("failed to refresh gallery cache", zap.String("unit", unit), zap.Error(err))
			if err := s.cache.Del(ctx, cacheKey(unit)); err != nil {
				s.logger.Error("failed to invalidate stale gallery cache", zap.String("unit", unit), zap.Error(err))
			}
		}
	}
	return location, nil
}

// Load returns the gallery of unit or ErrNotFound.
func (s *Store) Load(ctx context.Context, unit string) (Gallery, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey(unit))
		switch {
		case err == nil:
			g, decodeErr := Unmarshal([]byte(cached))
			if decodeErr == nil {
				return g, nil
			}
			s.logger.Warn("discarding undecodable cached gallery", zap.String("unit", unit), zap.Error(decodeErr))
		case !errors.Is(err, redis.Nil):
			s.logger.Warn("gallery cache read failed", zap.String("unit", unit), zap.Error(err))
		}
	}

	data, err := s.blobs.Get(ctx, BlobKey(unit))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, unit)
		}
		return nil, fmt.Errorf("load gallery %s: %w", unit, err)
	}
	g, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("load gallery %s: %w", unit, err)
	}

	// Only fill an empty slot: a Save that finished while this read was in
	// flight has already cached the newer gallery.
	if s.cache != nil {
		if _, err := s.cache.SetNX(ctx, cacheKey(unit), string(data), s.ttl); err != nil {
			s.logger.Warn("failed to populate gallery cache", zap.String("unit", unit), zap.Error(err))
		}
	}
	return g, nil
}
