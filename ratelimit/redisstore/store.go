// Package redisstore keeps rate-limit windows in Redis so every gateway
// instance shares one view of each identifier.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/captjt/authgate/ratelimit"
)

const defaultPrefix = "authgate:rl:"

// hitScript mirrors MemoryStore.Hit. Times are epoch milliseconds taken from
// the caller's clock so every instance agrees on the window boundaries.
var hitScript = redis.NewScript(`
local count = redis.call('HGET', KEYS[1], 'count')
local reset = redis.call('HGET', KEYS[1], 'reset')
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

if (not count) or (not reset) or (tonumber(reset) < now) then
  local resetAt = now + window
  redis.call('HSET', KEYS[1], 'count', 1, 'reset', resetAt)
  redis.call('PEXPIREAT', KEYS[1], resetAt + 1)
  return {1, resetAt, 1}
end

count = tonumber(count)
if count < max then
  count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count, tonumber(reset), 1}
end
return {count, tonumber(reset), 0}
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ ratelimit.Store = (*Store)(nil)

type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// New dials Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (ratelimit.Entry, bool, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(), window.Milliseconds(), max,
	).Int64Slice()
	if err != nil {
		return ratelimit.Entry{}, false, fmt.Errorf("redis hit: %w", err)
	}
	if len(vals) != 3 {
		return ratelimit.Entry{}, false, fmt.Errorf("redis hit: unexpected reply length %d", len(vals))
	}
	return ratelimit.Entry{
		Count:   int(vals[0]),
		ResetAt: time.UnixMilli(vals[1]).UTC(),
	}, vals[2] == 1, nil
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.Entry, bool, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+key, "count", "reset").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ratelimit.Entry{}, false, nil
		}
		return ratelimit.Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return ratelimit.Entry{}, false, nil
	}

	count, err := parseInt(vals[0])
	if err != nil {
		return ratelimit.Entry{}, false, fmt.Errorf("redis get count: %w", err)
	}
	reset, err := parseInt(vals[1])
	if err != nil {
		return ratelimit.Entry{}, false, fmt.Errorf("redis get reset: %w", err)
	}
	return ratelimit.Entry{
		Count:   int(count),
		ResetAt: time.UnixMilli(reset).UTC(),
	}, true, nil
}

// DeleteExpired is a no-op: keys carry a PEXPIREAT at their reset time.
func (s *Store) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

func parseInt(v any) (int64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseInt(val, 10, 64)
	case int64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
