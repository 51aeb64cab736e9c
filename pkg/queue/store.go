package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/leaktk/nps/pkg/logger"
	"github.com/leaktk/nps/pkg/response"
)

// Store is the list oriented key/value store backing the queues
type Store interface {
	RPush(ctx context.Context, key, value string) error
	// BLPop returns ok=false when the timeout passes without an item
	BLPop(ctx context.Context, timeout time.Duration, key string) (value string, ok bool, err error)
	LRange(ctx context.Context, key string) ([]string, error)
	// LRem removes every element equal to value and returns how many were removed
	LRem(ctx context.Context, key, value string) (int64, error)
	LLen(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisStore implements Store on top of a redis client
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store from a redis URL such as
// redis://localhost:6379/0
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: error=%w", err)
	}

	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// ConnectWithRetry creates a RedisStore and pings it with an exponential
// backoff until it answers, maxElapsed passes or ctx is done
func ConnectWithRetry(ctx context.Context, url string, maxElapsed time.Duration) (*RedisStore, error) {
	store, err := NewRedisStore(url)
	if err != nil {
		return nil, err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = 500 * time.Millisecond

	operation := func() error {
		if err := store.Ping(ctx); err != nil {
			logger.Warning("queue store not ready: error=%q", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		_ = store.Close()
		return nil, response.Errorf(response.StoreUnavailable, "failed to connect to the queue store after retries: %w", err)
	}

	return store, nil
}

func unavailable(op string, err error) error {
	return response.Errorf(response.StoreUnavailable, "%s failed: %w", op, err)
}

// RPush appends value to the list at key
func (s *RedisStore) RPush(ctx context.Context, key, value string) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return unavailable("RPUSH", err)
	}

	return nil
}

// BLPop pops the head of the list at key, waiting up to timeout
func (s *RedisStore) BLPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	result, err := s.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, unavailable("BLPOP", err)
	}

	// The reply is [key, value]
	return result[1], true, nil
}

// LRange returns the whole list at key
func (s *RedisStore) LRange(ctx context.Context, key string) ([]string, error) {
	values, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("LRANGE", err)
	}

	return values, nil
}

// LRem removes all elements equal to value from the list at key
func (s *RedisStore) LRem(ctx context.Context, key, value string) (int64, error) {
	removed, err := s.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, unavailable("LREM", err)
	}

	return removed, nil
}

// LLen returns the length of the list at key
func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	length, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, unavailable("LLEN", err)
	}

	return length, nil
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("PING", err)
	}

	return nil
}

// Close releases the client connections
func (s *RedisStore) Close() error {
	return s.client.Close()
}
