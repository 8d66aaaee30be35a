package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrimart/loyalty/pkg/database"
)

// DefaultPrefix namespaces every key written by the loyalty client.
const DefaultPrefix = "loyalty:"

// Store implements kvstore.Store on Redis strings. Expiry is delegated to
// Redis (SET ... PX).
type Store struct {
	client *redis.Client
	prefix string
	tracer *database.QueryTracer
}

// NewStore wraps client. An empty prefix falls back to DefaultPrefix.
func NewStore(client *redis.Client, prefix string, tracer *database.QueryTracer) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if tracer == nil {
		tracer = database.NewQueryTracer("redis", 0, nil)
	}
	return &Store{client: client, prefix: prefix, tracer: tracer}
}

func (s *Store) Get(ctx context.Context, key string) (value string, found bool, err error) {
	ctx, end := s.tracer.Start(ctx, "kv.get", "GET")
	defer func() { end(err) }()

	value, err = s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) (err error) {
	ctx, end := s.tracer.Start(ctx, "kv.set", "SET")
	defer func() { end(err) }()

	if ttl < 0 {
		ttl = 0
	}
	if err = s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) (err error) {
	ctx, end := s.tracer.Start(ctx, "kv.remove", "DEL")
	defer func() { end(err) }()

	if err = s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
