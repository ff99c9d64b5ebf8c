// Package redisstore implements the Power Mode store contract on a
// Redis-compatible remote store. Channels map 1:1 onto goa.design/pulse
// streams whose consumer groups keep per-subscriber read cursors server
// side; key, hash, list, and stream primitives go straight to Redis. A
// circuit breaker guards every operation so connectivity loss surfaces as
// ErrStoreUnavailable instead of piling up timeouts.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/powermode/store"
)

const (
	// DefaultStreamMaxLen bounds the number of entries kept per channel
	// stream server-side.
	DefaultStreamMaxLen = 1000
	// DefaultOperationTimeout bounds individual store operations.
	DefaultOperationTimeout = 5 * time.Second
)

type (
	// Options configures the remote store.
	Options struct {
		// Redis is the connection backing streams and primitives. Required.
		Redis *redis.Client
		// StreamMaxLen bounds entries kept per channel stream. Defaults to
		// DefaultStreamMaxLen.
		StreamMaxLen int
		// OperationTimeout bounds individual operations. Defaults to
		// DefaultOperationTimeout.
		OperationTimeout time.Duration
	}

	// Store implements store.Backend over Redis.
	Store struct {
		rdb     *redis.Client
		maxLen  int
		timeout time.Duration
		breaker *gobreaker.CircuitBreaker
	}
)

// casScript atomically swaps a key's value when it matches the expected
// one, preserving the requested TTL. Used for the coordinator lease.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  if tonumber(ARGV[3]) > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  else
    redis.call("SET", KEYS[1], ARGV[2])
  end
  return 1
end
return 0
`)

// casDeleteScript deletes a key when its value matches the expected one.
// Used to release the coordinator lease without clobbering a successor's
// claim.
var casDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// New constructs a remote store backed by the provided Redis connection.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "powermode-redis",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Store{
		rdb:     opts.Redis,
		maxLen:  maxLen,
		timeout: timeout,
		breaker: breaker,
	}, nil
}

// Publish appends the payload to the channel's stream.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == "" {
		return fmt.Errorf("%w: empty channel", store.ErrInvalidKey)
	}
	return s.do(ctx, "publish", func(ctx context.Context) error {
		str, err := streaming.NewStream(channel, s.rdb, streamopts.WithStreamMaxLen(s.maxLen))
		if err != nil {
			return fmt.Errorf("open stream %s: %w", channel, err)
		}
		if _, err := str.Add(ctx, "message", payload); err != nil {
			return fmt.Errorf("stream add: %w", err)
		}
		return nil
	})
}

// Set stores a value with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	return s.do(ctx, "set", func(ctx context.Context) error {
		return s.rdb.Set(ctx, key, value, ttl).Err()
	})
}

// Get returns the value under key, or nil if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "get", func(ctx context.Context) error {
		b, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// CAS atomically swaps the value under key. A nil expected uses SET NX so at
// most one concurrent caller can claim an absent key.
func (s *Store) CAS(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("%w: empty key", store.ErrInvalidKey)
	}
	var swapped bool
	err := s.do(ctx, "cas", func(ctx context.Context) error {
		if expected == nil {
			ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
			if err != nil {
				return err
			}
			swapped = ok
			return nil
		}
		if value == nil {
			res, err := casDeleteScript.Run(ctx, s.rdb, []string{key}, string(expected)).Int()
			if err != nil {
				return err
			}
			swapped = res == 1
			return nil
		}
		res, err := casScript.Run(ctx, s.rdb, []string{key}, string(expected), string(value), ttl.Milliseconds()).Int()
		if err != nil {
			return err
		}
		swapped = res == 1
		return nil
	})
	return swapped, err
}

// HSet writes a hash field.
func (s *Store) HSet(ctx context.Context, name, field string, value []byte) error {
	if name == "" || field == "" {
		return fmt.Errorf("%w: empty hash name or field", store.ErrInvalidKey)
	}
	return s.do(ctx, "hset", func(ctx context.Context) error {
		return s.rdb.HSet(ctx, name, field, value).Err()
	})
}

// HGet reads a hash field, or nil if absent.
func (s *Store) HGet(ctx context.Context, name, field string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "hget", func(ctx context.Context) error {
		b, err := s.rdb.HGet(ctx, name, field).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// HGetAll reads every field of a hash.
func (s *Store) HGetAll(ctx context.Context, name string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.do(ctx, "hgetall", func(ctx context.Context) error {
		m, err := s.rdb.HGetAll(ctx, name).Result()
		if err != nil {
			return err
		}
		for f, v := range m {
			out[f] = []byte(v)
		}
		return nil
	})
	return out, err
}

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, name string, values ...[]byte) error {
	if name == "" {
		return fmt.Errorf("%w: empty list name", store.ErrInvalidKey)
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.do(ctx, "lpush", func(ctx context.Context) error {
		return s.rdb.LPush(ctx, name, args...).Err()
	})
}

// RPop removes and returns the last element, or nil if the list is empty.
func (s *Store) RPop(ctx context.Context, name string) ([]byte, error) {
	var out []byte
	err := s.do(ctx, "rpop", func(ctx context.Context) error {
		b, err := s.rdb.RPop(ctx, name).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// LRange returns list elements [start, stop].
func (s *Store) LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error) {
	var out [][]byte
	err := s.do(ctx, "lrange", func(ctx context.Context) error {
		vals, err := s.rdb.LRange(ctx, name, start, stop).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			out = append(out, []byte(v))
		}
		return nil
	})
	return out, err
}

// XAdd appends an entry to a raw Redis stream and returns its ID.
func (s *Store) XAdd(ctx context.Context, stream string, payload []byte) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("%w: empty stream name", store.ErrInvalidKey)
	}
	var id string
	err := s.do(ctx, "xadd", func(ctx context.Context) error {
		res, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: int64(s.maxLen),
			Approx: true,
			Values: map[string]any{"data": payload},
		}).Result()
		if err != nil {
			return err
		}
		id = res
		return nil
	})
	return id, err
}

// XRange returns stream entries with IDs in [from, to].
func (s *Store) XRange(ctx context.Context, stream, from, to string) ([]store.Entry, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	var out []store.Entry
	err := s.do(ctx, "xrange", func(ctx context.Context) error {
		msgs, err := s.rdb.XRange(ctx, stream, from, to).Result()
		if err != nil {
			return err
		}
		for _, m := range msgs {
			data, _ := m.Values["data"].(string)
			out = append(out, store.Entry{ID: m.ID, Payload: []byte(data)})
		}
		return nil
	})
	return out, err
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		return s.rdb.Ping(ctx).Err()
	})
}

// Close is a no-op; the caller owns the Redis connection lifecycle.
func (s *Store) Close(ctx context.Context) error { return nil }

// do runs op through the circuit breaker with the operation timeout applied.
// An open breaker or a transport failure surfaces as ErrStoreUnavailable.
func (s *Store) do(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, store.ErrStoreUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
