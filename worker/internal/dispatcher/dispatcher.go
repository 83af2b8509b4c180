package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/you-humble/animalexplorer/core/domain"

	"github.com/nats-io/nats.go"
)

const (
	consumerName = "research-workers"
	retryDelay   = 5 * time.Second
	maxDeliver   = 5
)

type JetStream interface {
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (*nats.Subscription, error)
}

type Processor interface {
	Process(ctx context.Context, id string) error
}

type ImageCleaner interface {
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

type Config struct {
	Stream  string
	Subject string
	Workers int
	// AckWait must outlast one pipeline run or JetStream redelivers mid-run.
	AckWait time.Duration

	CleanupInterval time.Duration
	// MaxAge of stored images; zero disables cleanup.
	MaxAge time.Duration
}

type disposition int

const (
	ack disposition = iota
	nak
)

type natsDispatcher struct {
	cfg     Config
	js      JetStream
	jobs    Processor
	cleaner ImageCleaner
	logger  *slog.Logger

	done chan struct{}
	sub  *nats.Subscription
}

func New(cfg Config, js JetStream, jobs Processor, cleaner ImageCleaner, logger *slog.Logger) *natsDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &natsDispatcher{
		cfg:     cfg,
		js:      js,
		jobs:    jobs,
		cleaner: cleaner,
		logger:  logger,
		done:    make(chan struct{}, cfg.Workers),
	}
}

func (d *natsDispatcher) Run(ctx context.Context) error {
	_, err := d.js.AddConsumer(d.cfg.Stream, &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       d.cfg.AckWait,
		MaxDeliver:    maxDeliver,
		FilterSubject: d.cfg.Subject,
		MaxAckPending: d.cfg.Workers * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("JetStream AddConsumer: %w", err)
	}

	sub, err := d.js.PullSubscribe(d.cfg.Subject, consumerName, nats.Bind(d.cfg.Stream, consumerName))
	if err != nil {
		return fmt.Errorf("JetStream PullSubscribe: %w", err)
	}
	d.sub = sub

	for range d.cfg.Workers {
		go func() {
			defer func() { d.done <- struct{}{} }()
			d.runWorker(ctx)
		}()
	}

	d.logger.Info("NATS dispatcher is running",
		slog.Int("workers", d.cfg.Workers),
		slog.String("subject", d.cfg.Subject),
	)
	return nil
}

// Stop waits for ctx to end and for in-flight jobs to finish, or for
// timeout, whichever comes first.
func (d *natsDispatcher) Stop(ctx context.Context, timeout time.Duration) {
	<-ctx.Done()
	if d.sub == nil {
		return
	}

	deadline := time.After(timeout)
	for range d.cfg.Workers {
		select {
		case <-d.done:
		case <-deadline:
			d.logger.Warn("workers still busy at shutdown")
			return
		}
	}

	if err := d.sub.Drain(); err != nil {
		d.logger.Warn("NATS subscription drain", slog.String("error", err.Error()))
	}
	d.logger.Info("NATS dispatcher stopped")
}

func (d *natsDispatcher) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("worker stopping")
			return
		default:
		}

		msgs, err := d.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			d.logger.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			d.settle(msg, d.handle(ctx, string(msg.Data)))
		}
	}
}

// handle runs one job. A started run is not cut short by shutdown; the
// session claim and Stop's timeout bound it instead.
func (d *natsDispatcher) handle(ctx context.Context, jobID string) disposition {
	logger := d.logger.With(slog.String("job_id", jobID))
	if jobID == "" {
		logger.Warn("empty message")
		return ack
	}

	err := d.jobs.Process(context.WithoutCancel(ctx), jobID)
	switch {
	case err == nil:
		return ack
	case errors.Is(err, domain.ErrJobNotFound):
		logger.Info("session gone, dropping message")
		return ack
	default:
		logger.Error("process", slog.String("error", err.Error()))
		return nak
	}
}

func (d *natsDispatcher) settle(msg *nats.Msg, disp disposition) {
	var err error
	switch disp {
	case nak:
		err = msg.NakWithDelay(retryDelay)
	default:
		err = msg.Ack()
	}
	if err != nil {
		d.logger.Warn("NATS settle", slog.String("error", err.Error()))
	}
}

// StartCleanup removes stored images older than MaxAge on every tick.
func (d *natsDispatcher) StartCleanup(ctx context.Context) {
	if d.cfg.MaxAge <= 0 || d.cfg.CleanupInterval <= 0 {
		d.logger.Info("image cleanup disabled")
		return
	}

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.cleanup(ctx)
			}
		}
	}()
}

func (d *natsDispatcher) cleanup(ctx context.Context) {
	if err := d.cleaner.CleanupOlderThan(ctx, d.cfg.MaxAge); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("cleanup old images", slog.String("error", err.Error()))
		return
	}
	d.logger.Debug("cleanup old images done", slog.Duration("max_age", d.cfg.MaxAge))
}
