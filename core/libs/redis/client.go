package rediscli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL      string
	Addr     string
	Password string
	User     string
	DB       int

	PingTimeout time.Duration
}

func (c Config) Enabled() bool {
	return c.URL != "" || c.Addr != ""
}

// NewClient builds a client from URL when set, otherwise from Addr, and pings it.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(NormalizeURL(cfg.URL))
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = parsed
	}

	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	opts.DialTimeout = cfg.PingTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// NormalizeURL accepts bare host:port and quoted values copied from
// provider dashboards.
func NormalizeURL(raw string) string {
	u := strings.Trim(strings.TrimSpace(raw), `"'`)
	if u == "" {
		return u
	}
	if !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	return u
}
