package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "overseer:audit:"

// RedisStore persists audit records as JSON values in Redis.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis. A zero ttl keeps records forever.
func NewRedisStore(redisURL string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl, logger: logger}, nil
}

// Put stores the record under the task's key.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keyPrefix+rec.TaskID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("audit put %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get loads the record for a task id.
func (s *RedisStore) Get(ctx context.Context, taskID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("audit get %s: %w", taskID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("audit decode %s: %w", taskID, err)
	}
	return &rec, nil
}

// Close shuts down the Redis connection.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
