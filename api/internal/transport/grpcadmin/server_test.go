package grpcadmin

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/you-humble/animalexplorer/core/cache"
	"github.com/you-humble/animalexplorer/core/kv"
	"github.com/you-humble/animalexplorer/core/ratelimit"
	"github.com/you-humble/animalexplorer/core/session"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const token = "admin-secret"

type fixture struct {
	conn    *grpc.ClientConn
	limiter interface {
		Check(ctx context.Context, client string) ratelimit.Decision
	}
}

func newFixture(t *testing.T, svcToken string) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemory()
	limiter := ratelimit.New(store, ratelimit.Limits{}, logger)
	c := cache.New(store, cache.DefaultTTLs(), logger)
	require.NoError(t, c.TrackSearch(context.Background(), "lobo"))

	srv, _ := NewServer(logger, svcToken, NewAdmin(c, limiter, session.New(store, time.Hour)))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &fixture{conn: conn, limiter: limiter}
}

func authed() context.Context {
	return metadata.AppendToOutgoingContext(context.Background(), tokenKey, token)
}

func TestHealthNeedsNoToken(t *testing.T) {
	f := newFixture(t, token)

	resp, err := healthpb.NewHealthClient(f.conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestStats(t *testing.T) {
	f := newFixture(t, token)

	out := new(structpb.Struct)
	err := f.conn.Invoke(authed(), "/"+ServiceName+"/Stats", &emptypb.Empty{}, out)
	require.NoError(t, err)

	m := out.AsMap()
	require.EqualValues(t, 0, m["active_sessions"])
	require.Equal(t, "memory", m["cache"].(map[string]any)["backend"])
	popular := m["popular"].([]any)
	require.Len(t, popular, 1)
	require.Equal(t, "lobo", popular[0].(map[string]any)["animal"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t, token)

	err := f.conn.Invoke(context.Background(), "/"+ServiceName+"/Stats", &emptypb.Empty{}, new(structpb.Struct))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), tokenKey, "nope")
	err = f.conn.Invoke(bad, "/"+ServiceName+"/Stats", &emptypb.Empty{}, new(structpb.Struct))
	require.Equal(t, codes.Unauthenticated, status.Code(err))

	disabled := newFixture(t, "")
	err = disabled.conn.Invoke(authed(), "/"+ServiceName+"/Stats", &emptypb.Empty{}, new(structpb.Struct))
	require.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestBlacklistRoundTrip(t *testing.T) {
	f := newFixture(t, token)
	const client = "198.51.100.23"

	in, err := structpb.NewStruct(map[string]any{"client": client, "ttl_seconds": 60})
	require.NoError(t, err)
	require.NoError(t, f.conn.Invoke(authed(), "/"+ServiceName+"/Blacklist", in, &emptypb.Empty{}))

	d := f.limiter.Check(context.Background(), client)
	require.False(t, d.Allowed)
	require.Equal(t, ratelimit.LimitBlacklisted, d.LimitType)

	out := new(structpb.Struct)
	require.NoError(t, f.conn.Invoke(authed(), "/"+ServiceName+"/Unblacklist", in, out))
	require.Equal(t, true, out.AsMap()["removed"])
	require.True(t, f.limiter.Check(context.Background(), client).Allowed)

	empty, err := structpb.NewStruct(map[string]any{})
	require.NoError(t, err)
	err = f.conn.Invoke(authed(), "/"+ServiceName+"/Blacklist", empty, &emptypb.Empty{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
