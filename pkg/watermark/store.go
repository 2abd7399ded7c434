// Package watermark persists per-source incremental watermarks so the caller
// can resume extraction from the last completed run. The engine core never
// persists cursors itself; this store is caller-side resumption support.
package watermark

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates no watermark has been stored for the source yet.
var ErrNotFound = errors.New("no watermark for source")

// Store reads and advances per-source watermarks.
type Store interface {
	// Get returns the stored watermark for a source, or ErrNotFound.
	Get(ctx context.Context, source string) (string, error)

	// Set stores the watermark for a source, replacing any previous value.
	Set(ctx context.Context, source, watermark string) error
}

// RedisStore keeps watermarks in Redis under ingest:watermark:<source>.
// Watermarks have no TTL; they live until replaced.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed watermark store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

func watermarkKey(source string) string {
	return "ingest:watermark:" + source
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, source string) (string, error) {
	value, err := s.redis.Get(ctx, watermarkKey(source)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, source)
		}
		return "", fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, source, watermark string) error {
	if err := s.redis.Set(ctx, watermarkKey(source), watermark, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
