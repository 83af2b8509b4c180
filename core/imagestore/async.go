package imagestore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/you-humble/animalexplorer/core/imagestore/replicator"

	"golang.org/x/sync/errgroup"
)

const replicationRetries = 3

// asyncBlob writes locally and mirrors to remote in the background. Reads
// fall back to remote when the local copy is gone, e.g. on another replica.
type asyncBlob struct {
	local      Blob
	remote     Blob
	replicator *replicator.Replicator
}

func NewAsync(ctx context.Context, local, remote Blob, queueSize, workers int) *asyncBlob {
	repl := replicator.New(local, remote, queueSize, workers, replicationRetries)
	repl.Start(ctx)

	return &asyncBlob{
		local:      local,
		remote:     remote,
		replicator: repl,
	}
}

func (s *asyncBlob) Close(ctx context.Context) error {
	return s.replicator.Stop(ctx)
}

func (s *asyncBlob) Put(ctx context.Context, reader io.Reader, name string, size int64) (int64, string, error) {
	written, hash, err := s.local.Put(ctx, reader, name, size)
	if err != nil {
		return 0, "", err
	}

	if !s.replicator.Enqueue(replicator.Job{Name: name, Size: written, Hash: hash}) {
		slog.Error("asyncBlob: replication queue full, image saved only locally",
			slog.String("image", name),
			slog.Int64("size", written),
		)
	}
	return written, hash, nil
}

func (s *asyncBlob) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	rc, size, err := s.local.Get(ctx, name)
	if err == nil {
		return rc, size, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, 0, err
	}
	return s.remote.Get(ctx, name)
}

func (s *asyncBlob) Delete(ctx context.Context, name string) error {
	var firstErr error
	for side, b := range map[string]Blob{"local": s.local, "remote": s.remote} {
		if err := b.Delete(ctx, name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("asyncBlob: delete failed",
				slog.String("side", side),
				slog.String("image", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return firstErr
}

func (s *asyncBlob) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	eg, eCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.local.CleanupOlderThan(eCtx, maxAge) })
	eg.Go(func() error { return s.remote.CleanupOlderThan(eCtx, maxAge) })
	return eg.Wait()
}
