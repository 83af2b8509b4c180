// Package replicator copies images from the local disk to object storage in
// the background so a request never waits on MinIO.
package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

type Source interface {
	Get(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

type Target interface {
	Put(ctx context.Context, reader io.Reader, name string, size int64) (int64, string, error)
}

type Job struct {
	Name    string
	Size    int64
	Hash    string
	Retries int
}

type Replicator struct {
	src Source
	dst Target

	queue      chan Job
	workers    int
	maxRetries int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(src Source, dst Target, queueSize, workers, maxRetries int) *Replicator {
	if queueSize <= 0 {
		queueSize = 64
	}
	if workers <= 0 {
		workers = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		src:        src,
		dst:        dst,
		queue:      make(chan Job, queueSize),
		workers:    workers,
		maxRetries: maxRetries,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *Replicator) Start(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(r.workers)
	for range r.workers {
		go r.worker()
	}
}

// Stop closes the queue and waits for in-flight copies or ctx, whichever
// ends first. Queued jobs that never started are dropped.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	slog.Info("replicator: stopped")
	return nil
}

// Enqueue never blocks; false means the job was dropped.
func (r *Replicator) Enqueue(job Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}

	select {
	case r.queue <- job:
		return true
	default:
		return false
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case job, ok := <-r.queue:
			if !ok {
				return
			}
			r.handle(job)
		}
	}
}

func (r *Replicator) handle(job Job) {
	l := slog.With(
		slog.String("image", job.Name),
		slog.Int("retries", job.Retries),
	)

	err := r.copy(r.ctx, job)
	if err == nil {
		return
	}

	if job.Retries >= r.maxRetries {
		l.Error("replication failed, max retries exceeded", slog.String("error", err.Error()))
		return
	}

	job.Retries++
	if r.Enqueue(job) {
		l.Warn("replication failed, job requeued",
			slog.String("error", err.Error()),
			slog.Int("next_retry", job.Retries),
		)
		return
	}
	l.Error("replication failed and queue is full, dropping job", slog.String("error", err.Error()))
}

func (r *Replicator) copy(ctx context.Context, job Job) error {
	rc, size, err := r.src.Get(ctx, job.Name)
	if err != nil {
		return fmt.Errorf("open local image: %w", err)
	}
	defer rc.Close()

	if job.Size > 0 {
		size = job.Size
	}

	written, hash, err := r.dst.Put(ctx, rc, job.Name, size)
	if err != nil {
		return fmt.Errorf("save to remote: %w", err)
	}
	if written <= 0 {
		return fmt.Errorf("remote save wrote zero bytes")
	}
	if job.Hash != "" && hash != "" && job.Hash != hash {
		return fmt.Errorf("hash mismatch: local=%s remote=%s", job.Hash, hash)
	}

	slog.Debug("replicator: image replicated",
		slog.String("image", job.Name),
		slog.Int64("size", written),
	)
	return nil
}
