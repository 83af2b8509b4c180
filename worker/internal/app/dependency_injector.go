package wapp

import (
	"context"
	"time"

	"github.com/you-humble/animalexplorer/core/components"
	"github.com/you-humble/animalexplorer/worker/internal/dispatcher"
)

const cfgPath = "./worker/configs/local.yaml"

type Dispatcher interface {
	Run(ctx context.Context) error
	Stop(ctx context.Context, timeout time.Duration)
	StartCleanup(ctx context.Context)
}

type dependencyInjector struct {
	*components.Container

	dispatcher Dispatcher
}

func newDI() *dependencyInjector {
	return &dependencyInjector{Container: components.New(cfgPath)}
}

func (di *dependencyInjector) Dispatcher(ctx context.Context) Dispatcher {
	if di.dispatcher == nil {
		cfg := di.Config()
		di.dispatcher = dispatcher.New(
			dispatcher.Config{
				Stream:          cfg.NATS.Stream,
				Subject:         cfg.NATS.Subject,
				Workers:         cfg.Execution.Workers,
				AckWait:         cfg.Execution.ClaimTTL + 30*time.Second,
				CleanupInterval: cfg.ImageStore.CleanupInterval,
				MaxAge:          cfg.ImageStore.MaxAge,
			},
			di.JetStream(),
			di.Research(ctx, nil),
			di.ImageStore(ctx),
			di.Logger(),
		)
	}
	return di.dispatcher
}
