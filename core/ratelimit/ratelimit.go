package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/you-humble/animalexplorer/core/kv"
)

const (
	StatusAllowed       = "allowed"
	StatusAllowListed   = "allow_listed"
	StatusBlacklisted   = "blacklisted"
	StatusRateLimited   = "rate_limited"
	StatusErrorFallback = "error_fallback"
)

const (
	LimitMinute      = "minute"
	LimitHour        = "hour"
	LimitDay         = "day"
	LimitBlacklisted = "blacklisted"
)

// warnRatio is the share of the hour/day quota after which usage is logged.
const warnRatio = 0.8

type Limits struct {
	Minute       int64
	Hour         int64
	Day          int64
	BlacklistTTL time.Duration
	AllowList    []string
}

func DefaultLimits() Limits {
	return Limits{
		Minute:       5,
		Hour:         20,
		Day:          60,
		BlacklistTTL: time.Hour,
	}
}

type Counts struct {
	Minute int64 `json:"minute"`
	Hour   int64 `json:"hour"`
	Day    int64 `json:"day"`
}

type Decision struct {
	Allowed           bool   `json:"allowed"`
	Status            string `json:"status"`
	LimitType         string `json:"limit_type,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Message           string `json:"message,omitempty"`

	Counts    Counts `json:"counts"`
	Limits    Counts `json:"limits"`
	Remaining Counts `json:"remaining"`
}

func (d Decision) RetryAfter() time.Duration {
	return time.Duration(d.RetryAfterSeconds) * time.Second
}

type window struct {
	name  string
	limit int64
	ttl   time.Duration
}

type limiter struct {
	store   kv.Store
	limits  Limits
	windows []window
	allow   map[string]struct{}
	logger  *slog.Logger
}

func New(store kv.Store, limits Limits, logger *slog.Logger) *limiter {
	def := DefaultLimits()
	if limits.Minute <= 0 {
		limits.Minute = def.Minute
	}
	if limits.Hour <= 0 {
		limits.Hour = def.Hour
	}
	if limits.Day <= 0 {
		limits.Day = def.Day
	}
	if limits.BlacklistTTL <= 0 {
		limits.BlacklistTTL = def.BlacklistTTL
	}

	allow := make(map[string]struct{}, len(limits.AllowList))
	for _, c := range limits.AllowList {
		allow[c] = struct{}{}
	}

	return &limiter{
		store:  store,
		limits: limits,
		// finest window first
		windows: []window{
			{name: LimitMinute, limit: limits.Minute, ttl: time.Minute},
			{name: LimitHour, limit: limits.Hour, ttl: time.Hour},
			{name: LimitDay, limit: limits.Day, ttl: 24 * time.Hour},
		},
		allow:  allow,
		logger: logger,
	}
}

// Check decides whether client may start one more request and, when it may,
// counts that request. Store failures never deny.
func (l *limiter) Check(ctx context.Context, client string) Decision {
	if _, ok := l.allow[client]; ok {
		return l.decision(true, StatusAllowListed, Counts{})
	}

	if d, blocked, err := l.blacklisted(ctx, client); err != nil {
		return l.failOpen(client, err)
	} else if blocked {
		return d
	}

	counts, err := l.read(ctx, client)
	if err != nil {
		return l.failOpen(client, err)
	}

	for _, w := range l.windows {
		if counts.get(w.name) >= w.limit {
			d := l.decision(false, StatusRateLimited, counts)
			d.LimitType = w.name
			d.RetryAfterSeconds = int64(w.ttl / time.Second)
			d.Message = fmt.Sprintf(
				"Rate limit exceeded: %d requests per %s. Try again in %d seconds.",
				w.limit, w.name, d.RetryAfterSeconds,
			)
			l.logger.Warn("rate limit exceeded",
				slog.String("client", client),
				slog.String("limit_type", w.name),
				slog.Int64("count", counts.get(w.name)),
				slog.Int64("limit", w.limit),
			)
			return d
		}
	}

	for _, w := range l.windows {
		n, err := l.store.Incr(ctx, counterKey(client, w.name), w.ttl)
		if err != nil {
			return l.failOpen(client, err)
		}
		counts.set(w.name, n)
	}

	for _, w := range l.windows[1:] {
		if float64(counts.get(w.name)) >= warnRatio*float64(w.limit) {
			l.logger.Warn("client approaching rate limit",
				slog.String("client", client),
				slog.String("window", w.name),
				slog.Int64("count", counts.get(w.name)),
				slog.Int64("limit", w.limit),
			)
		}
	}

	return l.decision(true, StatusAllowed, counts)
}

// Status reports the client's usage without counting a request.
func (l *limiter) Status(ctx context.Context, client string) Decision {
	if _, ok := l.allow[client]; ok {
		return l.decision(true, StatusAllowListed, Counts{})
	}

	if d, blocked, err := l.blacklisted(ctx, client); err != nil {
		return l.failOpen(client, err)
	} else if blocked {
		return d
	}

	counts, err := l.read(ctx, client)
	if err != nil {
		return l.failOpen(client, err)
	}

	for _, w := range l.windows {
		if counts.get(w.name) >= w.limit {
			d := l.decision(false, StatusRateLimited, counts)
			d.LimitType = w.name
			d.RetryAfterSeconds = int64(w.ttl / time.Second)
			return d
		}
	}
	return l.decision(true, StatusAllowed, counts)
}

func (l *limiter) Blacklist(ctx context.Context, client string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.limits.BlacklistTTL
	}
	if err := l.store.Set(ctx, blacklistKey(client), []byte("1"), ttl); err != nil {
		return fmt.Errorf("blacklist %s: %w", client, err)
	}
	l.logger.Warn("client blacklisted",
		slog.String("client", client),
		slog.Duration("ttl", ttl),
	)
	return nil
}

func (l *limiter) Unblacklist(ctx context.Context, client string) (bool, error) {
	ok, err := l.store.Delete(ctx, blacklistKey(client))
	if err != nil {
		return false, fmt.Errorf("unblacklist %s: %w", client, err)
	}
	return ok, nil
}

func (l *limiter) blacklisted(ctx context.Context, client string) (Decision, bool, error) {
	ttl, err := l.store.TTL(ctx, blacklistKey(client))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Decision{}, false, nil
		}
		return Decision{}, false, err
	}

	secs := int64((ttl + time.Second - 1) / time.Second)
	d := l.decision(false, StatusBlacklisted, Counts{})
	d.LimitType = LimitBlacklisted
	d.RetryAfterSeconds = secs
	d.Message = fmt.Sprintf("Client temporarily blocked. Try again in %d seconds.", secs)
	return d, true, nil
}

func (l *limiter) read(ctx context.Context, client string) (Counts, error) {
	var c Counts
	for _, w := range l.windows {
		raw, err := l.store.Get(ctx, counterKey(client, w.name))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return Counts{}, err
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return Counts{}, fmt.Errorf("counter %s: %w", w.name, err)
		}
		c.set(w.name, n)
	}
	return c, nil
}

func (l *limiter) failOpen(client string, err error) Decision {
	l.logger.Error("rate limiter store error, allowing request",
		slog.String("client", client),
		slog.String("error", err.Error()),
	)
	return l.decision(true, StatusErrorFallback, Counts{})
}

func (l *limiter) decision(allowed bool, status string, counts Counts) Decision {
	limits := Counts{Minute: l.limits.Minute, Hour: l.limits.Hour, Day: l.limits.Day}
	return Decision{
		Allowed: allowed,
		Status:  status,
		Counts:  counts,
		Limits:  limits,
		Remaining: Counts{
			Minute: max(0, limits.Minute-counts.Minute),
			Hour:   max(0, limits.Hour-counts.Hour),
			Day:    max(0, limits.Day-counts.Day),
		},
	}
}

func (c Counts) get(name string) int64 {
	switch name {
	case LimitMinute:
		return c.Minute
	case LimitHour:
		return c.Hour
	default:
		return c.Day
	}
}

func (c *Counts) set(name string, n int64) {
	switch name {
	case LimitMinute:
		c.Minute = n
	case LimitHour:
		c.Hour = n
	default:
		c.Day = n
	}
}

func counterKey(client, window string) string {
	return "rate_limit:ip:" + client + ":" + window
}

func blacklistKey(client string) string {
	return "blacklist:ip:" + client
}
