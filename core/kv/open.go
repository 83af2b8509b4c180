package kv

import (
	"context"
	"log/slog"

	rediscli "github.com/you-humble/animalexplorer/core/libs/redis"
)

// Open returns a Redis-backed store when Redis is configured and answers a
// ping. Otherwise it logs and returns an in-process store that lives for the
// rest of the process; there is no reconnect.
func Open(ctx context.Context, cfg rediscli.Config, logger *slog.Logger) Store {
	if !cfg.Enabled() {
		logger.Info("redis not configured, using in-memory store")
		return NewMemory()
	}

	client, err := rediscli.NewClient(ctx, cfg)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory store",
			slog.String("error", err.Error()),
		)
		return NewMemory()
	}

	logger.Info("connected to redis", slog.String("addr", client.Options().Addr))
	return NewRedis(client)
}
