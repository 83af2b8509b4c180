package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeLazy  = "lazy"
	ModeQueue = "queue"

	TransportHTTP = "http"
	TransportGRPC = "grpc"

	StoreDataURL = "dataurl"
	StoreLocal   = "local"
	StoreMinIO   = "minio"
	StoreAsync   = "async"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	AdminToken      string        `yaml:"admin_token"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the socket peer is the
	// client.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Execution  Execution  `yaml:"execution"`
	Session    Session    `yaml:"session"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Cache      Cache      `yaml:"cache"`
	Providers  Providers  `yaml:"providers"`
	ImageStore ImageStore `yaml:"image_store"`

	Redis Redis `yaml:"redis"`
	MinIO MinIO `yaml:"minio"`
	NATS  NATS  `yaml:"nats"`
}

type Execution struct {
	Mode              string        `yaml:"mode"`
	PollFallbackAfter time.Duration `yaml:"poll_fallback_after"`
	ClaimTTL          time.Duration `yaml:"claim_ttl"`
	Workers           int           `yaml:"workers"`
}

type Session struct {
	TTL time.Duration `yaml:"ttl"`
}

type RateLimit struct {
	Minute       int64         `yaml:"minute"`
	Hour         int64         `yaml:"hour"`
	Day          int64         `yaml:"day"`
	BlacklistTTL time.Duration `yaml:"blacklist_ttl"`
	AllowList    []string      `yaml:"allow_list"`
}

type Cache struct {
	InfoTTL           time.Duration `yaml:"info_ttl"`
	ImageTTL          time.Duration `yaml:"image_ttl"`
	PopularTTL        time.Duration `yaml:"popular_ttl"`
	SuggestionsTTL    time.Duration `yaml:"suggestions_ttl"`
	AnalyticsTTL      time.Duration `yaml:"analytics_ttl"`
	DailyAnalyticsTTL time.Duration `yaml:"daily_analytics_ttl"`
}

type Providers struct {
	Info  InfoProvider  `yaml:"info"`
	Image ImageProvider `yaml:"image"`
}

type InfoProvider struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ImageProvider struct {
	Transport string        `yaml:"transport"`
	URL       string        `yaml:"url"`
	GRPCAddr  string        `yaml:"grpc_addr"`
	Timeout   time.Duration `yaml:"timeout"`
	Deadline  time.Duration `yaml:"deadline"`
}

type ImageStore struct {
	Kind            string        `yaml:"kind"`
	BaseDir         string        `yaml:"base_dir"`
	URLPrefix       string        `yaml:"url_prefix"`
	QueueCapacity   int           `yaml:"queue_capacity"`
	PoolSize        int           `yaml:"pool_size"`
	MaxAge          time.Duration `yaml:"max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type Redis struct {
	URL      string `yaml:"url"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Subject       string `yaml:"subject"`
	Stream        string `yaml:"stream"`
}

// Path picks the config file: APP_CONFIG wins over def.
func Path(def string) string {
	if p := os.Getenv("APP_CONFIG"); p != "" {
		return p
	}
	return def
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load reads the yaml file, applies a .env file from the working directory
// if there is one, then environment overrides and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&c.Redis.URL, "REDIS_URL")
	override(&c.Providers.Info.APIKey, "GEMINI_API_KEY")
	override(&c.Providers.Image.URL, "IMAGE_FUNCTION_URL")
	override(&c.AdminToken, "ADMIN_TOKEN")
	override(&c.NATS.URL, "NATS_URL")
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Execution.Mode == "" {
		c.Execution.Mode = ModeLazy
	}
	if c.Execution.Workers <= 0 {
		c.Execution.Workers = 4
	}

	if c.Session.TTL <= 0 {
		c.Session.TTL = time.Hour
	}

	if c.Providers.Info.Timeout <= 0 {
		c.Providers.Info.Timeout = 30 * time.Second
	}
	if c.Providers.Image.Transport == "" {
		c.Providers.Image.Transport = TransportHTTP
	}
	if c.Providers.Image.Timeout <= 0 {
		c.Providers.Image.Timeout = 60 * time.Second
	}
	if c.Providers.Image.Deadline <= 0 {
		c.Providers.Image.Deadline = 50 * time.Second
	}
	if c.Execution.ClaimTTL <= 0 {
		c.Execution.ClaimTTL = c.Providers.Info.Timeout + c.Providers.Image.Deadline + 10*time.Second
	}

	if c.ImageStore.Kind == "" {
		c.ImageStore.Kind = StoreDataURL
	}
	if c.ImageStore.BaseDir == "" {
		c.ImageStore.BaseDir = "./uploads"
	}
	if c.ImageStore.URLPrefix == "" {
		c.ImageStore.URLPrefix = "/images"
	}
	if c.ImageStore.QueueCapacity <= 0 {
		c.ImageStore.QueueCapacity = 64
	}
	if c.ImageStore.PoolSize <= 0 {
		c.ImageStore.PoolSize = 2
	}
	if c.ImageStore.CleanupInterval <= 0 {
		c.ImageStore.CleanupInterval = time.Hour
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = "research.jobs"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "RESEARCH"
	}
	if c.NATS.QueueName == "" {
		c.NATS.QueueName = "research-workers"
	}
}

func (c *Config) validate() error {
	switch c.Execution.Mode {
	case ModeLazy, ModeQueue:
	default:
		return fmt.Errorf("execution.mode must be %q or %q, got %q", ModeLazy, ModeQueue, c.Execution.Mode)
	}

	switch c.Providers.Image.Transport {
	case TransportHTTP:
	case TransportGRPC:
		if c.Providers.Image.GRPCAddr == "" {
			return errors.New("providers.image.grpc_addr is empty")
		}
	default:
		return fmt.Errorf("unknown providers.image.transport %q", c.Providers.Image.Transport)
	}

	switch c.ImageStore.Kind {
	case StoreDataURL, StoreLocal:
	case StoreMinIO, StoreAsync:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("image_store.kind %q needs minio.endpoint and minio.bucket", c.ImageStore.Kind)
		}
	default:
		return fmt.Errorf("unknown image_store.kind %q", c.ImageStore.Kind)
	}

	if c.Execution.Mode == ModeQueue && c.NATS.URL == "" {
		return errors.New("execution.mode queue needs nats.url")
	}

	if _, err := c.Proxies(); err != nil {
		return err
	}
	return nil
}

// Proxies parses trusted_proxies. A bare IP is a single-address prefix.
func (c *Config) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted_proxies: %q is neither an IP nor a CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SlogLevel maps log_level to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
