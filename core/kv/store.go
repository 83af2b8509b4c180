// Package kv is the key-value layer every other component multiplexes
// through prefixed keys. Redis is the durable backend; Memory stands in when
// Redis is absent or unreachable.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Scored struct {
	Member string
	Score  float64
}

type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	// DeleteIfEqual removes key only while it still holds value.
	DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error)
	// Expire resets the key's TTL. A ttl of zero or less deletes the key,
	// as Redis does.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr creates the counter at 1 with ttl when absent. An existing
	// counter keeps its expiry, so a window never slides.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Count(ctx context.Context, prefix string) (int64, error)

	ZIncr(ctx context.Context, key, member string, ttl time.Duration) (float64, error)
	ZTop(ctx context.Context, key string, n int) ([]Scored, error)

	Ping(ctx context.Context) error
	Backend() string
	Durable() bool
}
