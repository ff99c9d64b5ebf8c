// Package store defines the capability contract shared by the two Power Mode
// messaging backends: the Redis-compatible remote store and the single-file
// local store. Nothing above this interface may depend on backend concepts
// (stream IDs, file paths); the backend is chosen purely by configuration.
package store

import (
	"context"
	"errors"
	"time"
)

// Contract errors. Backends translate their native failures into these so
// callers can react uniformly.
var (
	// ErrStoreBusy signals lock contention (file mode). Callers may retry
	// with backoff.
	ErrStoreBusy = errors.New("store busy")
	// ErrStoreUnavailable signals connectivity loss (remote mode).
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreReset signals that a corrupt state file was quarantined and a
	// fresh one started. Raised once; subsequent calls operate on the fresh
	// state.
	ErrStoreReset = errors.New("store reset")
	// ErrInvalidKey signals a malformed key or channel name.
	ErrInvalidKey = errors.New("invalid key")
)

type (
	// Delivery is one message received from a subscribed channel. Seq orders
	// deliveries within a channel; its format is backend-specific but
	// comparable per channel.
	Delivery struct {
		Channel string
		Payload []byte
		Seq     string
	}

	// Subscription is a restartable lazy sequence of deliveries. The backend
	// tracks the consumer's read position so a subscription with the same
	// client ID resumes after the last delivered message.
	Subscription interface {
		// C returns the delivery channel. It is closed when the subscription
		// ends.
		C() <-chan Delivery
		// Err returns the terminal error, if any, after C is closed.
		Err() error
		// Close stops the subscription and releases its resources.
		Close()
	}

	// Entry is one element of a stream range read.
	Entry struct {
		ID      string
		Payload []byte
	}

	// Backend is the unified publish/subscribe + key/list/hash/stream store
	// both implementations expose. All blocking operations honor ctx.
	Backend interface {
		// Publish appends payload to the channel. Fire-and-forget:
		// at-least-once delivery, per-channel best-effort ordering.
		Publish(ctx context.Context, channel string, payload []byte) error
		// Subscribe starts consuming the channel on behalf of clientID,
		// resuming after the last acknowledged position.
		Subscribe(ctx context.Context, clientID, channel string) (Subscription, error)

		// Set stores a value under key with an optional TTL (zero means no
		// expiry).
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// Get returns the value stored under key, or nil if absent or
		// expired.
		Get(ctx context.Context, key string) ([]byte, error)
		// CAS atomically replaces the value under key if it currently equals
		// expected. A nil expected means "key must not exist"; a nil value
		// deletes the key. Returns true if the swap happened. The new value
		// inherits ttl.
		CAS(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error)

		// HSet writes a hash field.
		HSet(ctx context.Context, name, field string, value []byte) error
		// HGet reads a hash field, or nil if absent.
		HGet(ctx context.Context, name, field string) ([]byte, error)
		// HGetAll reads every field of a hash.
		HGetAll(ctx context.Context, name string) (map[string][]byte, error)

		// LPush prepends values to a list.
		LPush(ctx context.Context, name string, values ...[]byte) error
		// RPop removes and returns the last element, or nil if the list is
		// empty.
		RPop(ctx context.Context, name string) ([]byte, error)
		// LRange returns elements [start, stop] (inclusive, negative indexes
		// count from the tail, Redis semantics).
		LRange(ctx context.Context, name string, start, stop int64) ([][]byte, error)

		// XAdd appends an entry to an append-only stream and returns its ID.
		XAdd(ctx context.Context, stream string, payload []byte) (string, error)
		// XRange returns entries with IDs in [from, to]; "-" and "+" mean
		// the stream's extremes.
		XRange(ctx context.Context, stream, from, to string) ([]Entry, error)

		// Ping verifies connectivity.
		Ping(ctx context.Context) error
		// Close releases backend resources.
		Close(ctx context.Context) error
	}
)
