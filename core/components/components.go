// Package components builds the pieces both services share. Every getter
// constructs on first use and memoizes, so each service only pays for what
// it touches.
package components

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/config"
	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/imagestore"
	"github.com/you-humble/animalexplorer/core/kv"
	mio "github.com/you-humble/animalexplorer/core/libs/minio"
	natsq "github.com/you-humble/animalexplorer/core/libs/nats"
	rediscli "github.com/you-humble/animalexplorer/core/libs/redis"
	"github.com/you-humble/animalexplorer/core/provider"
	"github.com/you-humble/animalexplorer/core/provider/gemini"
	"github.com/you-humble/animalexplorer/core/provider/imagegen"
	"github.com/you-humble/animalexplorer/core/ratelimit"
	"github.com/you-humble/animalexplorer/core/research"
	"github.com/you-humble/animalexplorer/core/session"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
)

type ImageStore interface {
	research.ImageStore
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type Sessions interface {
	research.SessionStore
	Count(ctx context.Context) (int64, error)
}

type Limiter interface {
	research.RateLimiter
	Status(ctx context.Context, client string) ratelimit.Decision
	Blacklist(ctx context.Context, client string, ttl time.Duration) error
	Unblacklist(ctx context.Context, client string) (bool, error)
}

type Cache interface {
	research.Cache
	Stats(ctx context.Context) (cache.Stats, error)
	Popular(ctx context.Context, limit int) ([]cache.Popularity, error)
}

type Research interface {
	Submit(ctx context.Context, query, clientID string) (string, error)
	Poll(ctx context.Context, id string) (domain.Job, error)
	Process(ctx context.Context, id string) error
}

type closer interface {
	Close(ctx context.Context) error
}

type Container struct {
	cfgPath string
	cfg     *config.Config
	logger  *slog.Logger

	store    kv.Store
	sessions Sessions
	limiter  Limiter
	cache    Cache
	research Research

	info      provider.InfoProvider
	image     provider.ImageProvider
	imageConn *grpc.ClientConn

	images      ImageStore
	imageCloser closer

	natsConn *nats.Conn
	js       nats.JetStreamContext
}

func New(cfgPath string) *Container {
	return &Container{cfgPath: cfgPath}
}

func (c *Container) Config() *config.Config {
	if c.cfg == nil {
		c.cfg = config.MustLoad(config.Path(c.cfgPath))
	}
	return c.cfg
}

func (c *Container) Logger() *slog.Logger {
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: c.Config().SlogLevel(),
		}))
		slog.SetDefault(c.logger)
	}
	return c.logger
}

func (c *Container) Store(ctx context.Context) kv.Store {
	if c.store == nil {
		cfg := c.Config().Redis
		c.store = kv.Open(ctx, rediscli.Config{
			URL:      cfg.URL,
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, c.Logger())
		c.Logger().Info("kv store ready",
			slog.String("backend", c.store.Backend()),
			slog.Bool("durable", c.store.Durable()),
		)
	}
	return c.store
}

func (c *Container) Sessions(ctx context.Context) Sessions {
	if c.sessions == nil {
		c.sessions = session.New(c.Store(ctx), c.Config().Session.TTL)
	}
	return c.sessions
}

func (c *Container) Limiter(ctx context.Context) Limiter {
	if c.limiter == nil {
		cfg := c.Config().RateLimit
		limits := ratelimit.Limits{
			Minute:       cfg.Minute,
			Hour:         cfg.Hour,
			Day:          cfg.Day,
			BlacklistTTL: cfg.BlacklistTTL,
			AllowList:    cfg.AllowList,
		}
		c.limiter = ratelimit.New(c.Store(ctx), limits, c.Logger())
	}
	return c.limiter
}

func (c *Container) Cache(ctx context.Context) Cache {
	if c.cache == nil {
		cfg := c.Config().Cache
		c.cache = cache.New(c.Store(ctx), cache.TTLs{
			Info:           cfg.InfoTTL,
			Image:          cfg.ImageTTL,
			Popular:        cfg.PopularTTL,
			Suggestions:    cfg.SuggestionsTTL,
			Analytics:      cfg.AnalyticsTTL,
			DailyAnalytics: cfg.DailyAnalyticsTTL,
		}, c.Logger())
	}
	return c.cache
}

func (c *Container) InfoProvider() provider.InfoProvider {
	if c.info == nil {
		cfg := c.Config().Providers.Info
		client, err := gemini.NewInfoClient(gemini.Options{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			c.Logger().Warn("info provider disabled", slog.String("error", err.Error()))
			c.info = provider.Unconfigured{Name: "gemini", Reason: "GEMINI_API_KEY is not set"}
			return c.info
		}
		c.info = client
	}
	return c.info
}

func (c *Container) ImageProvider() provider.ImageProvider {
	if c.image == nil {
		cfg := c.Config().Providers.Image
		switch cfg.Transport {
		case config.TransportGRPC:
			conn, err := imagegen.NewConnection(cfg.GRPCAddr)
			if err != nil {
				log.Fatalf("image provider grpc: %+v", err)
			}
			c.imageConn = conn
			c.image = imagegen.NewGRPCClient(conn)
			c.Logger().Info("image provider over gRPC", slog.String("addr", cfg.GRPCAddr))
		default:
			client, err := imagegen.NewHTTPClient(cfg.URL, cfg.Timeout, nil)
			if err != nil {
				c.Logger().Warn("image provider disabled", slog.String("error", err.Error()))
				c.image = provider.Unconfigured{Name: "image", Reason: "IMAGE_FUNCTION_URL is not set"}
				return c.image
			}
			c.image = client
		}
	}
	return c.image
}

func (c *Container) ImageStore(ctx context.Context) ImageStore {
	if c.images != nil {
		return c.images
	}

	cfg := c.Config()
	store := cfg.ImageStore
	switch store.Kind {
	case config.StoreLocal:
		local, err := imagestore.NewLocal(store.BaseDir)
		if err != nil {
			log.Fatalf("ImageStore local: %+v", err)
		}
		c.images = imagestore.NewPublished(local, store.URLPrefix)
		c.Logger().Info("initialized local image store", slog.String("base_dir", store.BaseDir))

	case config.StoreMinIO:
		remote := c.minio(ctx)
		c.images = imagestore.NewPublished(remote, store.URLPrefix)

	case config.StoreAsync:
		local, err := imagestore.NewLocal(store.BaseDir)
		if err != nil {
			log.Fatalf("ImageStore local: %+v", err)
		}
		async := imagestore.NewAsync(ctx, local, c.minio(ctx), store.QueueCapacity, store.PoolSize)
		c.imageCloser = async
		c.images = imagestore.NewPublished(async, store.URLPrefix)
		c.Logger().Info(
			"using async image store (local + MinIO)",
			slog.Int("queue_size", store.QueueCapacity),
			slog.Int("worker_num", store.PoolSize),
		)

	default:
		c.images = imagestore.NewDataURL()
		c.Logger().Info("images are returned inline as data URLs")
	}
	return c.images
}

func (c *Container) minio(ctx context.Context) imagestore.Blob {
	cfg := c.Config()
	remote, err := imagestore.NewMinIO(ctx, mio.Config{
		Endpoint:        cfg.MinIO.Endpoint,
		AccessKeyID:     cfg.MinIO.AccessKeyID,
		SecretAccessKey: cfg.MinIO.SecretAccessKey,
		UseSSL:          cfg.MinIO.UseSSL,
		Bucket:          cfg.MinIO.Bucket,
		BasePath:        "images",
	})
	if err != nil {
		log.Fatalf("ImageStore minio: %+v", err)
	}
	c.Logger().Info(
		"initialized MinIO image store",
		slog.String("endpoint", cfg.MinIO.Endpoint),
		slog.String("bucket", cfg.MinIO.Bucket),
	)
	return remote
}

func (c *Container) NATSConn() *nats.Conn {
	if c.natsConn == nil {
		cfg := c.Config().NATS
		nc, err := natsq.NewConnect(cfg.URL, natsq.Config{
			Name:          cfg.QueueName,
			MaxReconnects: cfg.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		c.natsConn = nc
	}
	return c.natsConn
}

func (c *Container) JetStream() nats.JetStreamContext {
	if c.js == nil {
		cfg := c.Config()
		js, err := natsq.NewJetStream(c.NATSConn(), &nats.StreamConfig{
			Name:       cfg.NATS.Stream,
			Subjects:   []string{cfg.NATS.Subject},
			Storage:    nats.FileStorage,
			Retention:  nats.WorkQueuePolicy,
			Replicas:   1,
			MaxAge:     cfg.Session.TTL,
			Duplicates: 2 * time.Minute,
		})
		if err != nil {
			log.Fatalf("DI JetStream: %+v", err)
		}
		c.js = js
	}
	return c.js
}

// Research builds the orchestrator on first call. queue is nil in lazy mode
// and ignored on later calls.
func (c *Container) Research(ctx context.Context, queue research.JobQueue) Research {
	if c.research == nil {
		cfg := c.Config()
		c.research = research.New(research.Config{
			ImageTimeout:      cfg.Providers.Image.Deadline,
			ClaimTTL:          cfg.Execution.ClaimTTL,
			PollFallbackAfter: cfg.Execution.PollFallbackAfter,
		}, research.Deps{
			Sessions: c.Sessions(ctx),
			Limiter:  c.Limiter(ctx),
			Cache:    c.Cache(ctx),
			Info:     c.InfoProvider(),
			Image:    c.ImageProvider(),
			Images:   c.ImageStore(ctx),
			Queue:    queue,
			Logger:   c.Logger(),
		})
	}
	return c.research
}

// Close releases connections opened by the getters.
func (c *Container) Close(ctx context.Context) {
	if c.imageCloser != nil {
		if err := c.imageCloser.Close(ctx); err != nil {
			c.Logger().Warn("close image store", slog.String("error", err.Error()))
		}
	}
	if c.imageConn != nil {
		_ = c.imageConn.Close()
	}
	if c.natsConn != nil {
		if err := c.natsConn.Drain(); err != nil {
			c.Logger().Warn("drain nats", slog.String("error", err.Error()))
		}
	}
	if cl, ok := c.store.(io.Closer); ok {
		_ = cl.Close()
	}
}
