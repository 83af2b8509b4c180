package app

import (
	"context"
	"log"
	"net/http"

	"github.com/you-humble/animalexplorer/api/internal/infra/queue"
	"github.com/you-humble/animalexplorer/api/internal/transport"
	"github.com/you-humble/animalexplorer/api/internal/transport/grpcadmin"
	"github.com/you-humble/animalexplorer/core/components"
	"github.com/you-humble/animalexplorer/core/config"
	"github.com/you-humble/animalexplorer/core/research"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const cfgPath = "./api/configs/local.yaml"

type Router interface {
	MountRoutes(*http.ServeMux) *http.ServeMux
}

type dependencyInjector struct {
	*components.Container

	jobQueue research.JobQueue
	router   Router

	grpcServer *grpc.Server
	health     *health.Server
}

func newDI() *dependencyInjector {
	return &dependencyInjector{Container: components.New(cfgPath)}
}

// JobQueue returns nil in lazy mode.
func (di *dependencyInjector) JobQueue() research.JobQueue {
	if di.jobQueue == nil && di.Config().Execution.Mode == config.ModeQueue {
		di.jobQueue = queue.New(di.JetStream(), di.Config().NATS.Subject)
	}
	return di.jobQueue
}

func (di *dependencyInjector) Router(ctx context.Context) Router {
	if di.router == nil {
		proxies, err := di.Config().Proxies()
		if err != nil {
			log.Fatalf("DI Router: %+v", err)
		}
		h := transport.NewHandler(di.Config().AdminToken, proxies, transport.Services{
			Research: di.Research(ctx, di.JobQueue()),
			Limits:   di.Limiter(ctx),
			Cache:    di.Cache(ctx),
			Sessions: di.Sessions(ctx),
			Images:   di.ImageStore(ctx),
			Backend:  di.Store(ctx),
		})
		di.router = transport.NewRouter(h)
	}
	return di.router
}

// GRPCServer returns nil when grpc_addr is empty.
func (di *dependencyInjector) GRPCServer(ctx context.Context) *grpc.Server {
	if di.grpcServer == nil && di.Config().GRPCAddr != "" {
		di.grpcServer, di.health = grpcadmin.NewServer(
			di.Logger(),
			di.Config().AdminToken,
			grpcadmin.NewAdmin(di.Cache(ctx), di.Limiter(ctx), di.Sessions(ctx)),
		)
	}
	return di.grpcServer
}
