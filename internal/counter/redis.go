package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements the counter store using Redis. All operations
// run as Lua scripts so each is a single atomic step at the store —
// required for correct sliding windows under concurrent requests and
// for race-free alert occurrence resets.
type RedisStore struct {
	client *redis.Client
}

const keyPrefix = "kite:"

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

var incrByFloatScript = redis.NewScript(`
	local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return total
`)

var appendWindowScript = redis.NewScript(`
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1] - ARGV[2])
	local max = tonumber(ARGV[3])
	if max > 0 then
		redis.call('ZREMRANGEBYRANK', KEYS[1], 0, -(max + 1))
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return redis.call('ZCARD', KEYS[1])
`)

var addDistinctScript = redis.NewScript(`
	redis.call('SADD', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return redis.call('SCARD', KEYS[1])
`)

var observeScript = redis.NewScript(`
	local seen = redis.call('SISMEMBER', KEYS[1], ARGV[1])
	redis.call('SADD', KEYS[1], ARGV[1])
	if redis.call('PTTL', KEYS[1]) < 0 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return seen
`)

var bumpOccurrenceScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if current >= tonumber(ARGV[1]) then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

// NewRedisStore creates a new Redis counter store.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Increment atomically increments a counter with a TTL window.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrScript.Run(ctx, s.client, []string{keyPrefix + key}, window.Milliseconds()).Int64()
}

// IncrementBy atomically accumulates a float total with a TTL window.
func (s *RedisStore) IncrementBy(ctx context.Context, key string, amount float64, window time.Duration) (float64, error) {
	res, err := incrByFloatScript.Run(ctx, s.client, []string{keyPrefix + key}, amount, window.Milliseconds()).Text()
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(res, 64)
}

// SetMarker sets a presence marker with a TTL.
func (s *RedisStore) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+key, "1", ttl).Err()
}

// HasMarker reports whether a marker is still live.
func (s *RedisStore) HasMarker(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendWindow appends to a sorted-set rolling window keyed by
// timestamp, prunes expired entries and returns the window size.
func (s *RedisStore) AppendWindow(ctx context.Context, key, member string, window time.Duration, max int) (int64, error) {
	now := time.Now().UnixMilli()
	return appendWindowScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		now, window.Milliseconds(), max, member,
	).Int64()
}

// AddDistinct adds a member to a TTL-scoped set and returns the
// distinct count.
func (s *RedisStore) AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	return addDistinctScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		member, ttl.Milliseconds(),
	).Int64()
}

// Observe adds a member and reports whether it was already present.
func (s *RedisStore) Observe(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	seen, err := observeScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		member, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return seen == 1, nil
}

// BumpOccurrence increments an occurrence counter and resets it when
// the threshold is reached, all in one script.
func (s *RedisStore) BumpOccurrence(ctx context.Context, key string, threshold int64, ttl time.Duration) (bool, error) {
	crossed, err := bumpOccurrenceScript.Run(ctx, s.client,
		[]string{keyPrefix + key},
		threshold, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, err
	}
	return crossed == 1, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
