package redisstore

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dial builds a Redis client from a connection URL and a bearer token. The
// URL uses redis:// or rediss:// scheme (the latter enables TLS); the token,
// when non-empty, overrides the password so stores authenticated by bearer
// token work with the same client. Connections are pooled and reused.
func Dial(url, token string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("store URL is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	if token != "" {
		opts.Password = token
	}
	return redis.NewClient(opts), nil
}
