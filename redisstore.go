package hefield

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hefield:blob:"

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key prefix, defaults to "hefield:blob:"
}

// RedisBlobStore keeps blobs in Redis so several processes share one key set.
// Blobs never expire.
type RedisBlobStore struct {
	client *redis.Client
	prefix string
}

// NewRedisBlobStore connects to Redis and verifies the connection with PING.
func NewRedisBlobStore(cfg RedisConfig) (*RedisBlobStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisBlobStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisBlobStoreFromClient wraps an existing client.
func NewRedisBlobStoreFromClient(client *redis.Client, prefix string) *RedisBlobStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBlobStore{client: client, prefix: prefix}
}

// Get implements BlobStore.
func (s *RedisBlobStore) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	return data, nil
}

// Put implements BlobStore.
func (s *RedisBlobStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+name, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisBlobStore) Close() error {
	return s.client.Close()
}
