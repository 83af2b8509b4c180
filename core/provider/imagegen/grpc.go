package imagegen

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/you-humble/animalexplorer/core/provider"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	grpcProviderName = "image-grpc"

	ServiceName    = "imagegen.v1.ImageGenerator"
	GenerateMethod = "/" + ServiceName + "/Generate"
)

func NewConnection(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %v", err)
	}

	return conn, nil
}

type grpcClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient calls a generator sidecar whose Generate method takes and
// returns google.protobuf.Struct messages.
func NewGRPCClient(conn grpc.ClientConnInterface) *grpcClient {
	return &grpcClient{conn: conn}
}

func (c *grpcClient) FetchImage(ctx context.Context, query string) (provider.Image, error) {
	in, err := structpb.NewStruct(map[string]any{"animal": query})
	if err != nil {
		return provider.Image{}, provider.Classify(grpcProviderName, err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, GenerateMethod, in, out); err != nil {
		return provider.Image{}, fromStatus(err)
	}

	fields := out.GetFields()
	data, err := base64.StdEncoding.DecodeString(fields["image_base64"].GetStringValue())
	if err != nil || len(data) == 0 {
		return provider.Image{}, &provider.Error{
			Provider: grpcProviderName,
			Category: provider.CategoryBadResponse,
			Details:  "missing or invalid image_base64",
		}
	}

	mime := fields["mime_type"].GetStringValue()
	if mime == "" {
		mime = http.DetectContentType(data)
	}

	return provider.Image{
		Data:     data,
		MIME:     mime,
		Filename: fields["filename"].GetStringValue(),
		Prompt:   fields["prompt"].GetStringValue(),
	}, nil
}

func fromStatus(err error) *provider.Error {
	st, ok := status.FromError(err)
	if !ok {
		return provider.Classify(grpcProviderName, err)
	}

	cat := provider.CategoryUnexpected
	switch st.Code() {
	case codes.DeadlineExceeded, codes.Canceled:
		cat = provider.CategoryTimeout
	case codes.Unavailable:
		cat = provider.CategoryConnection
	case codes.Unauthenticated, codes.PermissionDenied:
		cat = provider.CategoryAuthentication
	case codes.ResourceExhausted:
		cat = provider.CategoryQuota
	}
	return &provider.Error{
		Provider: grpcProviderName,
		Category: cat,
		Details:  st.Message(),
		Err:      err,
	}
}
