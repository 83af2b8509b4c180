package wapp

import (
	"context"
	"log/slog"
)

type app struct {
	di *dependencyInjector
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	return &app{di: di}
}

func (a *app) Run(ctx context.Context) error {
	d := a.di.Dispatcher(ctx)
	slog.Info("dispatcher starting...")

	if err := d.Run(ctx); err != nil {
		return err
	}
	d.StartCleanup(ctx)

	<-ctx.Done()
	slog.Info("dispatcher shutting down...")

	timeout := a.di.Config().ShutdownTimeout
	d.Stop(ctx, timeout)

	closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.di.Close(closeCtx)
	return nil
}
