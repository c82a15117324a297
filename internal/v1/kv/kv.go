// Package kv provides typed operations on the shared Redis store: values with
// TTL, bounded lists, counters, scans and distributed locks. Every operation
// tolerates Redis being down; callers keep working from in-process state.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/sketchparty/server/internal/v1/logging"
	"github.com/sketchparty/server/internal/v1/metrics"
)

// ErrLockUnavailable is returned when a distributed lock could not be acquired
// within its wait window. Mutating operations abort on it.
var ErrLockUnavailable = errors.New("kv: distributed lock unavailable")

const lockPollInterval = 50 * time.Millisecond

// Store wraps a Redis client behind a circuit breaker. A nil *Store (or a
// Store without a client) runs in single-instance mode: reads return empty,
// writes are no-ops and locks always succeed locally.
type Store struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewStore creates a Redis connection and verifies it with a ping.
func NewStore(addr, password string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStoreWithClient(rdb), nil
}

// NewStoreFromClient wraps an existing client. Used by tests with miniredis.
func NewStoreFromClient(client *redis.Client) *Store {
	return newStoreWithClient(client)
}

func newStoreWithClient(rdb *redis.Client) *Store {
	st := gobreaker.Settings{
		Name:        "redis-kv",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis-kv").Set(stateVal)
		},
	}
	return &Store{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

func (s *Store) degraded() bool {
	return s == nil || s.client == nil
}

// Degraded reports single-instance mode: no Redis client behind the store.
func (s *Store) Degraded() bool {
	return s.degraded()
}

// execute runs op through the breaker, translating an open breaker into a
// degraded no-op result.
func (s *Store) execute(op string, fn func() (interface{}, error)) (interface{}, bool, error) {
	res, err := s.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-kv").Inc()
			logging.Warn(context.Background(), "Redis circuit breaker open", zap.String("op", op))
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("kv %s: %w", op, err)
	}
	return res, false, nil
}

// Get returns the value at key, or nil when the key is absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.degraded() {
		return nil, nil
	}
	res, skipped, err := s.execute("get", func() (interface{}, error) {
		val, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return []byte(nil), nil
		}
		return val, err
	})
	if err != nil || skipped {
		return nil, err
	}
	return res.([]byte), nil
}

// Set stores value at key with a TTL. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.degraded() {
		return nil
	}
	_, _, err := s.execute("set", func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX stores value only if the key does not exist. Returns whether it wrote.
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.degraded() {
		return true, nil
	}
	res, skipped, err := s.execute("setnx", func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil || skipped {
		return false, err
	}
	return res.(bool), nil
}

// Expire refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s.degraded() {
		return nil
	}
	_, _, err := s.execute("expire", func() (interface{}, error) {
		return nil, s.client.Expire(ctx, key, ttl).Err()
	})
	return err
}

// Delete removes keys and returns how many existed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if s.degraded() || len(keys) == 0 {
		return 0, nil
	}
	res, skipped, err := s.execute("delete", func() (interface{}, error) {
		return s.client.Del(ctx, keys...).Result()
	})
	if err != nil || skipped {
		return 0, err
	}
	return res.(int64), nil
}

// ListPush appends value to the tail of the list at key.
func (s *Store) ListPush(ctx context.Context, key string, value []byte) error {
	if s.degraded() {
		return nil
	}
	_, _, err := s.execute("rpush", func() (interface{}, error) {
		return nil, s.client.RPush(ctx, key, value).Err()
	})
	return err
}

// ListTrimToTail keeps only the last n entries of the list at key.
func (s *Store) ListTrimToTail(ctx context.Context, key string, n int) error {
	if s.degraded() {
		return nil
	}
	_, _, err := s.execute("ltrim", func() (interface{}, error) {
		return nil, s.client.LTrim(ctx, key, int64(-n), -1).Err()
	})
	return err
}

// ListRange returns every entry of the list at key.
func (s *Store) ListRange(ctx context.Context, key string) ([][]byte, error) {
	if s.degraded() {
		return nil, nil
	}
	res, skipped, err := s.execute("lrange", func() (interface{}, error) {
		return s.client.LRange(ctx, key, 0, -1).Result()
	})
	if err != nil || skipped {
		return nil, err
	}
	values := res.([]string)
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return out, nil
}

// Incr increments the integer at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	if s.degraded() {
		return 0, nil
	}
	res, skipped, err := s.execute("incr", func() (interface{}, error) {
		return s.client.Incr(ctx, key).Result()
	})
	if err != nil || skipped {
		return 0, err
	}
	return res.(int64), nil
}

// Decr decrements the integer at key and returns the new value.
func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	if s.degraded() {
		return 0, nil
	}
	res, skipped, err := s.execute("decr", func() (interface{}, error) {
		return s.client.Decr(ctx, key).Result()
	})
	if err != nil || skipped {
		return 0, err
	}
	return res.(int64), nil
}

// ScanMatch collects all keys matching pattern.
func (s *Store) ScanMatch(ctx context.Context, pattern string) ([]string, error) {
	if s.degraded() {
		return nil, nil
	}
	res, skipped, err := s.execute("scan", func() (interface{}, error) {
		var keys []string
		iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return keys, iter.Err()
	})
	if err != nil || skipped {
		return nil, err
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.degraded() {
		return nil
	}
	_, _, err := s.execute("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection.
func (s *Store) Close() error {
	if s.degraded() {
		return nil
	}
	return s.client.Close()
}

// LockHandle identifies an acquired distributed lock.
type LockHandle struct {
	key      string
	token    string
	degraded bool
}

// Lock acquires the distributed mutex at key for owner token. It polls with
// SET NX until wait elapses, then fails with ErrLockUnavailable. Redis errors
// degrade to a local-only lock rather than blocking the request path.
func (s *Store) Lock(ctx context.Context, key, token string, timeout, wait time.Duration) (*LockHandle, error) {
	if s.degraded() {
		return &LockHandle{key: key, token: token, degraded: true}, nil
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := s.SetNX(ctx, key, []byte(token), timeout)
		if err != nil {
			logging.Warn(ctx, "Lock acquisition degraded to local-only", zap.String("key", key), zap.Error(err))
			return &LockHandle{key: key, token: token, degraded: true}, nil
		}
		if ok {
			return &LockHandle{key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockUnavailable, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases a lock only while the caller still owns it.
func (s *Store) Unlock(ctx context.Context, handle *LockHandle) {
	if handle == nil || handle.degraded || s.degraded() {
		return
	}
	current, err := s.Get(ctx, handle.key)
	if err != nil || string(current) != handle.token {
		return
	}
	if _, err := s.Delete(ctx, handle.key); err != nil {
		logging.Warn(ctx, "Lock release failed", zap.String("key", handle.key), zap.Error(err))
	}
}
