package research

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/imagestore"
	"github.com/you-humble/animalexplorer/core/kv"
	"github.com/you-humble/animalexplorer/core/provider"
	"github.com/you-humble/animalexplorer/core/ratelimit"
	"github.com/you-humble/animalexplorer/core/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	leonInfo = `**Válido:** SI
**Nombre:** León
**Nombre_en:** lion
**Grupo:** Mamífero`

	pikachuInfo = `**Válido:** NO
**Razón:** fictional character
**Sugerencias:** pika, mouse`

	client = "203.0.113.7"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nimage")

type fakeInfo struct {
	calls atomic.Int32
	delay time.Duration
	text  string
	err   error
}

func (f *fakeInfo) FetchInfo(_ context.Context, _ string) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.text, f.err
}

type fakeImage struct {
	calls     atomic.Int32
	block     bool
	ignoreCtx time.Duration
	queries   chan string
	// gate, when set, holds a successful fetch until closed.
	gate chan struct{}
	err  error
}

func (f *fakeImage) FetchImage(ctx context.Context, query string) (provider.Image, error) {
	f.calls.Add(1)
	if f.queries != nil {
		f.queries <- query
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.ignoreCtx > 0 {
		time.Sleep(f.ignoreCtx)
	}
	if f.block {
		<-ctx.Done()
		return provider.Image{}, provider.Classify("image", ctx.Err())
	}
	if f.err != nil {
		return provider.Image{}, f.err
	}
	return provider.Image{Data: pngBytes, MIME: "image/png"}, nil
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return q.err
}

type fixture struct {
	svc   *service
	info  *fakeInfo
	image *fakeImage
	cache interface {
		Cache
		Popular(ctx context.Context, limit int) ([]cache.Popularity, error)
	}
}

type option func(*Config, *Deps, *ratelimit.Limits)

func newFixture(t *testing.T, opts ...option) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemory()
	info := &fakeInfo{text: leonInfo}
	image := &fakeImage{}
	c := cache.New(store, cache.DefaultTTLs(), logger)

	cfg := Config{ImageTimeout: time.Second}
	limits := ratelimit.DefaultLimits()
	deps := Deps{
		Sessions: session.New(store, time.Hour),
		Cache:    c,
		Info:     info,
		Image:    image,
		Images:   imagestore.NewDataURL(),
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&cfg, &deps, &limits)
	}
	deps.Limiter = ratelimit.New(store, limits, logger)

	return &fixture{svc: New(cfg, deps), info: info, image: image, cache: c}
}

func submit(t *testing.T, f *fixture, query string) string {
	t.Helper()
	id, err := f.svc.Submit(context.Background(), query, client)
	require.NoError(t, err)
	return id
}

func poll(t *testing.T, f *fixture, id string) domain.Job {
	t.Helper()
	job, err := f.svc.Poll(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestSubmitDoesNotCallProviders(t *testing.T) {
	f := newFixture(t)
	id := submit(t, f, "  león  ")

	job, err := f.svc.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, job.Status)
	require.Equal(t, "león", job.Query)
	require.Zero(t, f.info.calls.Load())
	require.Zero(t, f.image.calls.Load())
}

func TestSubmitEmptyQuery(t *testing.T) {
	f := newFixture(t)
	for _, q := range []string{"", "   ", "\t\n"} {
		_, err := f.svc.Submit(context.Background(), q, client)
		require.ErrorIs(t, err, domain.ErrEmptyQuery)
	}
}

func TestPollUnknownJob(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Poll(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPollCompletesValidAnimal(t *testing.T) {
	f := newFixture(t)
	queries := make(chan string, 1)
	f.image.queries = queries

	id := submit(t, f, "león")
	job := poll(t, f, id)

	require.Equal(t, domain.StatusCompleted, job.Status)
	require.Equal(t, leonInfo, job.Info)
	require.True(t, strings.HasPrefix(job.Image, "data:image/png;base64,"))
	require.Equal(t, "León", job.AnimalName)
	require.Equal(t, "lion", job.SecondaryName)
	require.Empty(t, job.Errors)
	require.False(t, job.FromCache)
	require.Equal(t, "lion", <-queries)
	require.EqualValues(t, 1, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())

	hit, ok := f.cache.GetComplete(context.Background(), "león")
	require.True(t, ok)
	require.False(t, hit.Partial)
	require.Equal(t, leonInfo, hit.Info)
	require.Equal(t, job.Image, hit.Image)
}

func TestPollIsIdempotentOnceTerminal(t *testing.T) {
	f := newFixture(t)
	id := submit(t, f, "león")

	first := poll(t, f, id)
	second := poll(t, f, id)

	require.Equal(t, first, second)
	require.False(t, first.UpdatedAt.Before(first.CreatedAt))
	require.EqualValues(t, 1, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())
}

func TestInvalidAnimalSkipsImage(t *testing.T) {
	f := newFixture(t)
	f.info.text = pikachuInfo

	job := poll(t, f, submit(t, f, "pikachu"))

	require.Equal(t, domain.StatusInvalidInput, job.Status)
	require.Equal(t, []string{"pika", "mouse"}, job.Suggestions)
	require.Len(t, job.Errors, 1)
	require.Contains(t, job.Errors[0], "fictional character")
	require.Empty(t, job.Image)
	require.Zero(t, f.image.calls.Load())

	// the rejection is remembered
	again := poll(t, f, submit(t, f, "Pikachu"))
	require.Equal(t, domain.StatusInvalidInput, again.Status)
	require.True(t, again.FromCache)
	require.EqualValues(t, 1, f.info.calls.Load())
}

func TestUnparseableInfo(t *testing.T) {
	f := newFixture(t)
	f.info.text = "I am not sure what you mean."

	job := poll(t, f, submit(t, f, "león"))

	require.Equal(t, domain.StatusError, job.Status)
	require.Contains(t, job.Errors[0], "unparseable")
	require.Zero(t, f.image.calls.Load())
}

func TestInfoProviderError(t *testing.T) {
	f := newFixture(t)
	f.info.err = provider.FromStatus("gemini", 429, "slow down")

	job := poll(t, f, submit(t, f, "león"))

	require.Equal(t, domain.StatusError, job.Status)
	require.True(t, strings.HasPrefix(job.Errors[0], "Info error: rate_limit"))
	require.Zero(t, f.image.calls.Load())
}

func TestImageTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps, _ *ratelimit.Limits) {
		c.ImageTimeout = 50 * time.Millisecond
	})
	f.image.block = true

	job := poll(t, f, submit(t, f, "león"))

	require.Equal(t, domain.StatusError, job.Status)
	require.Len(t, job.Errors, 1)
	require.Contains(t, job.Errors[0], "timeout")
	require.Equal(t, leonInfo, job.Info, "info survives an image failure")
	require.Empty(t, job.Image)
}

func TestImageTimeoutIgnoredContext(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps, _ *ratelimit.Limits) {
		c.ImageTimeout = 50 * time.Millisecond
	})
	f.image.ignoreCtx = 500 * time.Millisecond

	start := time.Now()
	job := poll(t, f, submit(t, f, "león"))

	require.Less(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, domain.StatusError, job.Status)
	require.Contains(t, job.Errors[0], "timeout")
}

func TestImageProviderError(t *testing.T) {
	f := newFixture(t)
	f.image.err = &provider.Error{Provider: "image", Category: provider.CategoryQuota, Details: "quota exceeded"}

	job := poll(t, f, submit(t, f, "león"))

	require.Equal(t, domain.StatusError, job.Status)
	require.Equal(t, "Image error: quota: quota exceeded", job.Errors[0])
}

func TestConcurrentPollsRunOnce(t *testing.T) {
	f := newFixture(t)
	f.info.delay = 50 * time.Millisecond
	id := submit(t, f, "león")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Poll(context.Background(), id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	job := poll(t, f, id)
	require.Equal(t, domain.StatusCompleted, job.Status)
	require.EqualValues(t, 1, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())
}

func TestCompleteCacheHit(t *testing.T) {
	f := newFixture(t)
	first := poll(t, f, submit(t, f, "león"))
	require.Equal(t, domain.StatusCompleted, first.Status)

	second := poll(t, f, submit(t, f, "  LEÓN "))

	require.Equal(t, domain.StatusCompleted, second.Status)
	require.True(t, second.FromCache)
	require.False(t, second.PartialCache)
	require.Equal(t, first.Info, second.Info)
	require.Equal(t, first.Image, second.Image)
	require.Equal(t, "León", second.AnimalName)
	require.EqualValues(t, 1, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())
}

func TestPartialCacheHit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.CacheInfo(context.Background(), "león", leonInfo, "lion"))

	job := poll(t, f, submit(t, f, "león"))

	require.Equal(t, domain.StatusCompleted, job.Status)
	require.True(t, job.FromCache)
	require.True(t, job.PartialCache)
	require.Zero(t, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())
}

func TestRateLimited(t *testing.T) {
	f := newFixture(t, func(_ *Config, _ *Deps, l *ratelimit.Limits) {
		l.Minute = 1
		l.AllowList = nil
	})

	require.Equal(t, domain.StatusCompleted, poll(t, f, submit(t, f, "león")).Status)

	job := poll(t, f, submit(t, f, "lobo"))
	require.Equal(t, domain.StatusRateLimited, job.Status)
	require.Equal(t, ratelimit.LimitMinute, job.LimitType)
	require.EqualValues(t, 60, job.RetryAfterSeconds)
	require.Len(t, job.Errors, 1)
	require.EqualValues(t, 1, f.info.calls.Load())

	// cached answers are served without touching the limit
	hit := poll(t, f, submit(t, f, "león"))
	require.Equal(t, domain.StatusCompleted, hit.Status)
	require.True(t, hit.FromCache)
}

func TestSubmitTracksSearches(t *testing.T) {
	f := newFixture(t)
	submit(t, f, "León")
	submit(t, f, "león")
	submit(t, f, "lobo")

	top, err := f.cache.Popular(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []cache.Popularity{{Animal: "león", Searches: 2}}, top)
}

func TestQueueModeLeavesWorkToProcess(t *testing.T) {
	q := &fakeQueue{}
	f := newFixture(t, func(_ *Config, d *Deps, _ *ratelimit.Limits) {
		d.Queue = q
	})

	id := submit(t, f, "león")
	require.Equal(t, []string{id}, q.ids)

	job := poll(t, f, id)
	require.Equal(t, domain.StatusPending, job.Status)
	require.Zero(t, f.info.calls.Load())

	require.NoError(t, f.svc.Process(context.Background(), id))
	require.Equal(t, domain.StatusCompleted, poll(t, f, id).Status)

	// replays are no-ops
	require.NoError(t, f.svc.Process(context.Background(), id))
	require.EqualValues(t, 1, f.info.calls.Load())

	require.ErrorIs(t, f.svc.Process(context.Background(), "missing"), domain.ErrJobNotFound)
}

func TestQueuePollFallback(t *testing.T) {
	q := &fakeQueue{err: errors.New("nats down")}
	f := newFixture(t, func(c *Config, d *Deps, _ *ratelimit.Limits) {
		d.Queue = q
		c.PollFallbackAfter = 10 * time.Second
	})

	now := time.Now()
	f.svc.now = func() time.Time { return now }
	id := submit(t, f, "león")

	require.Equal(t, domain.StatusPending, poll(t, f, id).Status)

	now = now.Add(11 * time.Second)
	require.Equal(t, domain.StatusCompleted, poll(t, f, id).Status)
}

func TestResumeSkipsFinishedSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := submit(t, f, "león")

	// a run that died after the info step
	job, err := f.svc.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, job.Advance(domain.StatusFetchingInfo))
	require.NoError(t, job.SetInfo(leonInfo, "León", "lion"))
	require.NoError(t, job.Advance(domain.StatusFetchingImage))
	require.NoError(t, f.svc.sessions.Update(ctx, job))

	done := poll(t, f, id)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.Zero(t, f.info.calls.Load())
	require.EqualValues(t, 1, f.image.calls.Load())
}

func TestOverrunRunDoesNotOverwriteNewerClaim(t *testing.T) {
	f := newFixture(t, func(c *Config, _ *Deps, _ *ratelimit.Limits) {
		c.ClaimTTL = 50 * time.Millisecond
	})
	ctx := context.Background()
	f.image.queries = make(chan string, 1)
	f.image.gate = make(chan struct{})

	id := submit(t, f, "león")
	done := make(chan domain.Job, 1)
	go func() {
		job, err := f.svc.Poll(ctx, id)
		assert.NoError(t, err)
		done <- job
	}()

	<-f.image.queries
	time.Sleep(100 * time.Millisecond)
	token, ok, err := f.svc.sessions.Claim(ctx, id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "the overrun claim has expired")

	close(f.image.gate)
	returned := <-done

	stored, err := f.svc.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFetchingImage, stored.Status, "the overrun run must not write")
	require.Equal(t, stored, returned)

	held, err := f.svc.sessions.Holds(ctx, id, token)
	require.NoError(t, err)
	require.True(t, held, "the overrun run must not release the newer claim")
}
