package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/domain"
	"github.com/you-humble/animalexplorer/core/imagestore"
	"github.com/you-humble/animalexplorer/core/parser"
	"github.com/you-humble/animalexplorer/core/provider"
	"github.com/you-humble/animalexplorer/core/ratelimit"

	"github.com/google/uuid"
)

const DefaultImageTimeout = 50 * time.Second

type SessionStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, job domain.Job) error
	Extend(ctx context.Context, id string) error
	Claim(ctx context.Context, id string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, id, token string) error
	Holds(ctx context.Context, id, token string) (bool, error)
}

type RateLimiter interface {
	Check(ctx context.Context, client string) ratelimit.Decision
}

type Cache interface {
	GetComplete(ctx context.Context, query string) (cache.Hit, bool)
	GetRejection(ctx context.Context, query string) (cache.Rejection, bool)
	CacheInfo(ctx context.Context, query, info, secondaryName string) error
	CacheImage(ctx context.Context, query, image, secondaryName string) error
	CacheRejection(ctx context.Context, query, reason string, suggestions []string) error
	TrackSearch(ctx context.Context, query string) error
}

type ImageStore interface {
	Save(ctx context.Context, name string, data []byte, mime string) (string, error)
}

type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

type Config struct {
	ImageTimeout time.Duration
	// ClaimTTL bounds how long a crashed run blocks others from resuming.
	ClaimTTL time.Duration
	// PollFallbackAfter lets polls process queued jobs no worker picked up
	// in time. Zero keeps queued jobs worker-only.
	PollFallbackAfter time.Duration
}

type Deps struct {
	Sessions SessionStore
	Limiter  RateLimiter
	Cache    Cache
	Info     provider.InfoProvider
	Image    provider.ImageProvider
	Images   ImageStore
	// Queue is nil in lazy mode.
	Queue  JobQueue
	Logger *slog.Logger
}

type service struct {
	cfg      Config
	sessions SessionStore
	limiter  RateLimiter
	cache    Cache
	info     provider.InfoProvider
	image    provider.ImageProvider
	images   ImageStore
	queue    JobQueue
	logger   *slog.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) *service {
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = DefaultImageTimeout
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = cfg.ImageTimeout + time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		cfg:      cfg,
		sessions: deps.Sessions,
		limiter:  deps.Limiter,
		cache:    deps.Cache,
		info:     deps.Info,
		image:    deps.Image,
		images:   deps.Images,
		queue:    deps.Queue,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit records a pending job and returns its id. It never calls a
// provider; the work happens on a later poll or in a queue worker.
func (s *service) Submit(ctx context.Context, query, clientID string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", domain.ErrEmptyQuery
	}

	id := uuid.NewString()
	if err := s.sessions.Create(ctx, domain.NewJob(id, query, clientID, s.stamp())); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	if err := s.cache.TrackSearch(ctx, query); err != nil {
		s.logger.Warn("track search", slog.String("error", err.Error()))
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.logger.Error("enqueue failed, job left for poll fallback",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	return id, nil
}

// Poll returns the job, running the pipeline first when it is still open
// and this caller wins the claim. Losers get the record as it stands.
func (s *service) Poll(ctx context.Context, id string) (domain.Job, error) {
	job, err := s.sessions.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status.Terminal() || !s.processOnPoll(job) {
		return job, nil
	}

	// the run outlives an abandoned poll
	return s.run(context.WithoutCancel(ctx), job), nil
}

// Process runs the pipeline for a queued job.
func (s *service) Process(ctx context.Context, id string) error {
	job, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	s.run(ctx, job)
	return nil
}

func (s *service) processOnPoll(job domain.Job) bool {
	if s.queue == nil {
		return true
	}
	if s.cfg.PollFallbackAfter <= 0 {
		return false
	}
	return s.now().Sub(job.CreatedAt) >= s.cfg.PollFallbackAfter
}

// runState belongs to one claimed run.
type runState struct {
	token  string
	logger *slog.Logger
	// lost is set once a write finds the claim gone; the run stops
	// writing from then on.
	lost bool
}

func (s *service) run(ctx context.Context, job domain.Job) domain.Job {
	logger := s.logger.With(slog.String("job_id", job.ID))

	token, won, err := s.sessions.Claim(ctx, job.ID, s.cfg.ClaimTTL)
	if err != nil {
		logger.Warn("claim failed", slog.String("error", err.Error()))
		return job
	}
	if !won {
		logger.Debug("job claimed elsewhere")
		return job
	}
	rs := &runState{token: token, logger: logger}
	defer func() {
		if err := s.sessions.Release(ctx, job.ID, token); err != nil {
			logger.Warn("release claim", slog.String("error", err.Error()))
		}
	}()

	// another run may have finished between our read and the claim
	fresh, err := s.sessions.Get(ctx, job.ID)
	if err != nil {
		logger.Warn("reload job", slog.String("error", err.Error()))
		return job
	}
	if fresh.Status.Terminal() {
		return fresh
	}

	start := s.now()
	s.process(ctx, &fresh, rs)
	if rs.lost {
		// a later run owns the record now
		if stored, err := s.sessions.Get(ctx, job.ID); err == nil {
			return stored
		}
		return fresh
	}
	logger.Info("job finished",
		slog.String("status", string(fresh.Status)),
		slog.Bool("from_cache", fresh.FromCache),
		slog.Duration("duration", s.now().Sub(start)),
	)
	return fresh
}

// process drives the job forward from wherever it stands. Steps whose
// output is already on the record are skipped, so a resumed run never
// moves the status back.
func (s *service) process(ctx context.Context, job *domain.Job, rs *runState) {
	logger := rs.logger
	fresh := job.Status == domain.StatusPending

	if job.Info == "" {
		if rej, ok := s.cache.GetRejection(ctx, job.Query); ok {
			job.FromCache = true
			s.reject(ctx, job, rej.Reason, rej.Suggestions, rs)
			return
		}

		if hit, ok := s.cache.GetComplete(ctx, job.Query); ok {
			name := job.Query
			if res, err := parser.Parse(hit.Info, job.Query); err == nil {
				name = res.Name
			}
			s.must(job.SetInfo(hit.Info, name, hit.SecondaryName), rs)
			job.FromCache = true

			if !hit.Partial {
				s.must(job.SetImage(hit.Image), rs)
				s.must(job.Advance(domain.StatusCompleted), rs)
				s.save(ctx, job, rs)
				return
			}
			job.PartialCache = true
		}
	}

	if fresh {
		if d := s.limiter.Check(ctx, job.ClientID); !d.Allowed {
			job.LimitType = d.LimitType
			job.RetryAfterSeconds = d.RetryAfterSeconds
			s.fail(ctx, job, domain.StatusRateLimited, d.Message, rs)
			return
		}
	}

	if job.Info == "" {
		s.must(job.Advance(domain.StatusFetchingInfo), rs)
		s.save(ctx, job, rs)
		s.extend(ctx, job.ID, rs)

		text, err := s.info.FetchInfo(ctx, job.Query)
		if err != nil {
			s.fail(ctx, job, domain.StatusError, "Info error: "+describe(err), rs)
			return
		}

		res, err := parser.Parse(text, job.Query)
		if err != nil {
			s.fail(ctx, job, domain.StatusError,
				fmt.Sprintf("Info error: %s: %s", provider.CategoryUnparseable, err.Error()), rs)
			return
		}
		if !res.Valid {
			if err := s.cache.CacheRejection(ctx, job.Query, res.Reason, res.Suggestions); err != nil {
				logger.Warn("cache rejection", slog.String("error", err.Error()))
			}
			s.reject(ctx, job, res.Reason, res.Suggestions, rs)
			return
		}

		s.must(job.SetInfo(text, res.Name, res.SecondaryName), rs)
		if err := s.cache.CacheInfo(ctx, job.Query, text, res.SecondaryName); err != nil {
			logger.Warn("cache info", slog.String("error", err.Error()))
		}
	}

	s.must(job.Advance(domain.StatusFetchingImage), rs)
	s.save(ctx, job, rs)
	if rs.lost {
		return
	}
	s.extend(ctx, job.ID, rs)

	img, err := s.fetchImage(ctx, imageQuery(job))
	if err != nil {
		s.fail(ctx, job, domain.StatusError, "Image error: "+describe(err), rs)
		return
	}

	ref, err := s.images.Save(ctx, imagestore.ObjectName(cache.Hash(job.Query), img.MIME), img.Data, img.MIME)
	if err != nil {
		s.fail(ctx, job, domain.StatusError, "Image error: storage: "+err.Error(), rs)
		return
	}

	s.must(job.SetImage(ref), rs)
	if err := s.cache.CacheImage(ctx, job.Query, ref, job.SecondaryName); err != nil {
		logger.Warn("cache image", slog.String("error", err.Error()))
	}
	s.must(job.Advance(domain.StatusCompleted), rs)
	s.save(ctx, job, rs)
}

type imageResult struct {
	img provider.Image
	err error
}

// fetchImage enforces the image deadline even against a provider that
// ignores its context.
func (s *service) fetchImage(ctx context.Context, query string) (provider.Image, error) {
	imgCtx, cancel := context.WithTimeout(ctx, s.cfg.ImageTimeout)
	defer cancel()

	done := make(chan imageResult, 1)
	go func() {
		img, err := s.image.FetchImage(imgCtx, query)
		done <- imageResult{img: img, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(imgCtx.Err(), context.DeadlineExceeded) {
			return provider.Image{}, s.imageTimeout()
		}
		return r.img, r.err
	case <-imgCtx.Done():
		if errors.Is(imgCtx.Err(), context.DeadlineExceeded) {
			return provider.Image{}, s.imageTimeout()
		}
		return provider.Image{}, provider.Classify("image", imgCtx.Err())
	}
}

func (s *service) imageTimeout() error {
	return &provider.Error{
		Provider: "image",
		Category: provider.CategoryTimeout,
		Details:  fmt.Sprintf("no image after %s", s.cfg.ImageTimeout),
		Err:      context.DeadlineExceeded,
	}
}

func (s *service) reject(ctx context.Context, job *domain.Job, reason string, suggestions []string, rs *runState) {
	job.Suggestions = suggestions
	s.fail(ctx, job, domain.StatusInvalidInput, "Invalid input: "+reason, rs)
}

func (s *service) fail(ctx context.Context, job *domain.Job, status domain.JobStatus, msg string, rs *runState) {
	s.must(job.Fail(status, msg), rs)
	rs.logger.Info("job failed",
		slog.String("status", string(status)),
		slog.String("reason", msg),
	)
	s.save(ctx, job, rs)
}

// save stamps and writes the record while the run still holds its claim.
func (s *service) save(ctx context.Context, job *domain.Job, rs *runState) {
	if rs.lost {
		return
	}
	held, err := s.sessions.Holds(ctx, job.ID, rs.token)
	if err != nil {
		rs.logger.Warn("check claim", slog.String("error", err.Error()))
	} else if !held {
		rs.lost = true
		rs.logger.Warn("claim lost, dropping write", slog.String("status", string(job.Status)))
		return
	}

	job.UpdatedAt = s.stamp()
	if err := s.sessions.Update(ctx, *job); err != nil {
		rs.logger.Error("update session", slog.String("error", err.Error()))
	}
}

func (s *service) extend(ctx context.Context, id string, rs *runState) {
	if err := s.sessions.Extend(ctx, id); err != nil {
		rs.logger.Warn("extend session", slog.String("error", err.Error()))
	}
}

// must logs a broken job invariant; the transitions above are ordered so
// this only fires on a programming error.
func (s *service) must(err error, rs *runState) {
	if err != nil {
		rs.logger.Error("job invariant", slog.String("error", err.Error()))
	}
}

// stamp is s.now in the form a stored record decodes to, so a record held
// in memory compares equal to its stored copy.
func (s *service) stamp() time.Time {
	return s.now().UTC().Round(0)
}

func imageQuery(job *domain.Job) string {
	if job.SecondaryName != "" {
		return job.SecondaryName
	}
	if job.AnimalName != "" {
		return job.AnimalName
	}
	return job.Query
}

func describe(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		if pe.Details == "" {
			return string(pe.Category)
		}
		return fmt.Sprintf("%s: %s", pe.Category, pe.Details)
	}
	return fmt.Sprintf("%s: %s", provider.CategoryUnexpected, err.Error())
}
