// Package grpcadmin serves the internal admin API: gRPC health checks plus
// cache reports and blacklist management over google.protobuf.Struct messages.
package grpcadmin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "animalexplorer.admin.v1.Admin"

type Reports interface {
	Stats(ctx context.Context) (cache.Stats, error)
	Popular(ctx context.Context, limit int) ([]cache.Popularity, error)
}

type Blacklister interface {
	Blacklist(ctx context.Context, client string, ttl time.Duration) error
	Unblacklist(ctx context.Context, client string) (bool, error)
}

type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// AdminServer is the handler type registered under ServiceName.
type AdminServer interface {
	Stats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Blacklist(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Unblacklist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type admin struct {
	reports  Reports
	limits   Blacklister
	sessions SessionCounter
}

func NewAdmin(reports Reports, limits Blacklister, sessions SessionCounter) *admin {
	return &admin{reports: reports, limits: limits, sessions: sessions}
}

func (a *admin) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats, err := a.reports.Stats(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cache stats: %v", err)
	}
	sessions, err := a.sessions.Count(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "count sessions: %v", err)
	}
	popular, err := a.reports.Popular(ctx, 10)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "popular: %v", err)
	}

	return toStruct(map[string]any{
		"cache":           stats,
		"active_sessions": sessions,
		"popular":         popular,
	})
}

func (a *admin) Blacklist(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	client := strings.TrimSpace(in.GetFields()["client"].GetStringValue())
	if client == "" {
		return nil, status.Error(codes.InvalidArgument, "client is required")
	}
	ttl := time.Duration(in.GetFields()["ttl_seconds"].GetNumberValue()) * time.Second

	if err := a.limits.Blacklist(ctx, client, ttl); err != nil {
		return nil, status.Errorf(codes.Internal, "blacklist: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (a *admin) Unblacklist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	client := strings.TrimSpace(in.GetFields()["client"].GetStringValue())
	if client == "" {
		return nil, status.Error(codes.InvalidArgument, "client is required")
	}

	removed, err := a.limits.Unblacklist(ctx, client)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "unblacklist: %v", err)
	}
	return structpb.NewStruct(map[string]any{"removed": removed})
}

// toStruct goes through JSON so struct tags decide the field names.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// NewServer builds the admin gRPC server. The returned health server lets
// the caller flip to NOT_SERVING on shutdown.
func NewServer(logger *slog.Logger, token string, svc AdminServer) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryUnaryInterceptor(logger),
		UnaryLoggingInterceptor(logger),
		AuthUnaryInterceptor(token),
	))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	srv.RegisterService(&adminServiceDesc, svc)
	return srv, hs
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stats",
			Handler: unary(new(emptypb.Empty), func(s AdminServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Stats(ctx, in)
			}),
		},
		{
			MethodName: "Blacklist",
			Handler: unary(new(structpb.Struct), func(s AdminServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.Blacklist(ctx, in)
			}),
		},
		{
			MethodName: "Unblacklist",
			Handler: unary(new(structpb.Struct), func(s AdminServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.Unblacklist(ctx, in)
			}),
		},
	},
	Metadata: "animalexplorer/admin/v1/admin.proto",
}

// unary adapts a typed method to grpc.MethodDesc the way generated code
// does. sample only carries the message type; every call decodes into a
// fresh message.
func unary[In proto.Message](sample In, call func(AdminServer, context.Context, In) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := sample.ProtoReflect().New().Interface().(In)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(AdminServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}

		method, _ := grpc.Method(ctx)
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(In))
		})
	}
}
