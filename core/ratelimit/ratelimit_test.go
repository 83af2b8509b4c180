package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/you-humble/animalexplorer/core/kv"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLimiter(limits Limits) (*limiter, *clock) {
	c := &clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(kv.NewMemory(kv.WithClock(c.Now)), limits, discard), c
}

func TestSixthCallInAMinuteIsDenied(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Minute: 5, Hour: 20, Day: 60})

	for i := 1; i <= 5; i++ {
		d := l.Check(ctx, "203.0.113.7")
		require.True(t, d.Allowed, "call %d", i)
		require.Equal(t, StatusAllowed, d.Status)
		require.Equal(t, int64(i), d.Counts.Minute)
	}

	d := l.Check(ctx, "203.0.113.7")
	require.False(t, d.Allowed)
	require.Equal(t, StatusRateLimited, d.Status)
	require.Equal(t, LimitMinute, d.LimitType)
	require.Equal(t, int64(60), d.RetryAfterSeconds)
	require.Equal(t, int64(5), d.Counts.Minute)
	require.NotEmpty(t, d.Message)
}

func TestDeniedCallsAreNotCounted(t *testing.T) {
	ctx := context.Background()
	l, c := newLimiter(Limits{Minute: 2, Hour: 3, Day: 60})

	require.True(t, l.Check(ctx, "a").Allowed)
	require.True(t, l.Check(ctx, "a").Allowed)
	require.False(t, l.Check(ctx, "a").Allowed)

	c.Advance(61 * time.Second)
	d := l.Check(ctx, "a")
	require.True(t, d.Allowed)
	require.Equal(t, int64(3), d.Counts.Hour)

	c.Advance(61 * time.Second)
	d = l.Check(ctx, "a")
	require.False(t, d.Allowed)
	require.Equal(t, LimitHour, d.LimitType)
	require.Equal(t, int64(3600), d.RetryAfterSeconds)
}

func TestDayWindow(t *testing.T) {
	ctx := context.Background()
	l, c := newLimiter(Limits{Minute: 100, Hour: 100, Day: 3})

	for range 3 {
		require.True(t, l.Check(ctx, "a").Allowed)
	}
	d := l.Check(ctx, "a")
	require.Equal(t, LimitDay, d.LimitType)
	require.Equal(t, int64(86400), d.RetryAfterSeconds)

	c.Advance(24*time.Hour + time.Second)
	require.True(t, l.Check(ctx, "a").Allowed)
}

func TestClientsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Minute: 1, Hour: 10, Day: 10})

	require.True(t, l.Check(ctx, "a").Allowed)
	require.False(t, l.Check(ctx, "a").Allowed)
	require.True(t, l.Check(ctx, "b").Allowed)
}

func TestAllowListBypassesAccounting(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Minute: 1, AllowList: []string{"127.0.0.1"}})

	for range 10 {
		d := l.Check(ctx, "127.0.0.1")
		require.True(t, d.Allowed)
		require.Equal(t, StatusAllowListed, d.Status)
	}
	require.NoError(t, l.Blacklist(ctx, "127.0.0.1", time.Hour))
	require.True(t, l.Check(ctx, "127.0.0.1").Allowed)
}

func TestBlacklistOverridesCounters(t *testing.T) {
	ctx := context.Background()
	l, c := newLimiter(DefaultLimits())

	require.NoError(t, l.Blacklist(ctx, "198.51.100.1", 0))
	c.Advance(10 * time.Minute)

	d := l.Check(ctx, "198.51.100.1")
	require.False(t, d.Allowed)
	require.Equal(t, StatusBlacklisted, d.Status)
	require.Equal(t, LimitBlacklisted, d.LimitType)
	require.Equal(t, int64(50*60), d.RetryAfterSeconds)

	c.Advance(51 * time.Minute)
	require.True(t, l.Check(ctx, "198.51.100.1").Allowed)

	require.NoError(t, l.Blacklist(ctx, "198.51.100.1", time.Minute))
	ok, err := l.Unblacklist(ctx, "198.51.100.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, l.Check(ctx, "198.51.100.1").Allowed)
}

func TestStatusDoesNotCount(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Minute: 5, Hour: 20, Day: 60})

	l.Check(ctx, "a")
	l.Check(ctx, "a")
	for range 5 {
		d := l.Status(ctx, "a")
		require.True(t, d.Allowed)
		require.Equal(t, Counts{Minute: 2, Hour: 2, Day: 2}, d.Counts)
		require.Equal(t, Counts{Minute: 3, Hour: 18, Day: 58}, d.Remaining)
	}
}

type brokenStore struct {
	kv.Store
}

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenStore) TTL(context.Context, string) (time.Duration, error) { return 0, errDown }
func (brokenStore) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errDown }

func TestFailOpenOnStoreErrors(t *testing.T) {
	ctx := context.Background()
	l := New(brokenStore{Store: kv.NewMemory()}, Limits{Minute: 1}, discard)

	for range 5 {
		d := l.Check(ctx, "a")
		require.True(t, d.Allowed)
		require.Equal(t, StatusErrorFallback, d.Status)
	}
	require.True(t, l.Status(ctx, "a").Allowed)
}

type incrOnlyBroken struct {
	kv.Store
}

func (incrOnlyBroken) Incr(context.Context, string, time.Duration) (int64, error) { return 0, errDown }

func TestFailOpenOnIncrementError(t *testing.T) {
	l := New(incrOnlyBroken{Store: kv.NewMemory()}, Limits{Minute: 1}, discard)
	d := l.Check(context.Background(), "a")
	require.True(t, d.Allowed)
	require.Equal(t, StatusErrorFallback, d.Status)
}

func TestMinuteLimitProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.Int64Range(1, 15).Draw(t, "limit")
		n := rapid.Int64Range(0, limit).Draw(t, "calls")
		client := rapid.StringMatching(`[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}`).Draw(t, "client")

		l, _ := newLimiter(Limits{Minute: limit, Hour: 1000, Day: 1000})
		ctx := context.Background()

		for i := int64(0); i < n; i++ {
			if !l.Check(ctx, client).Allowed {
				t.Fatalf("call %d of %d denied under limit %d", i+1, n, limit)
			}
		}
		// top up to the limit, then one more
		for i := n; i < limit; i++ {
			l.Check(ctx, client)
		}
		d := l.Check(ctx, client)
		if d.Allowed || d.LimitType != LimitMinute {
			t.Fatalf("call %d allowed=%v limit_type=%q", limit+1, d.Allowed, d.LimitType)
		}
	})
}
