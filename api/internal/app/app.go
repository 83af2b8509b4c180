package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/you-humble/animalexplorer/api/internal/transport"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type app struct {
	di   *dependencyInjector
	srv  *http.Server
	grpc *grpc.Server
}

func New(ctx context.Context) *app {
	di := newDI()
	di.Logger()
	mux := http.NewServeMux()
	return &app{
		di: di,
		srv: &http.Server{
			Addr: di.Config().Addr,
			Handler: transport.WithRecover(
				transport.LogMiddleware(
					di.Router(ctx).MountRoutes(mux),
				),
			),
		},
		grpc: di.GRPCServer(ctx),
	}
}

func (a *app) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server",
			slog.String("addr", a.srv.Addr),
			slog.String("mode", a.di.Config().Execution.Mode),
		)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.grpc != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", a.di.Config().GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			slog.Info("admin gRPC listening", slog.String("addr", a.di.Config().GRPCAddr))
			if err := a.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		return a.shutdown()
	})

	err := g.Wait()
	if err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
	}
	return err
}

func (a *app) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		a.di.Config().ShutdownTimeout,
	)
	defer cancel()

	if a.di.health != nil {
		a.di.health.Shutdown()
	}
	if a.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			a.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			slog.Warn("grpc graceful stop timed out, forcing stop")
			a.grpc.Stop()
		}
	}

	err := a.srv.Shutdown(shutdownCtx)
	a.di.Close(shutdownCtx)
	if err != nil {
		slog.Error("server shutdown error", slog.String("error", err.Error()))
		return err
	}

	slog.Info("server gracefully stopped")
	return nil
}
