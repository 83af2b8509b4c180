package imagestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	mio "github.com/you-humble/animalexplorer/core/libs/minio"

	"github.com/minio/minio-go/v7"
)

type minioBlob struct {
	db       *minio.Client
	bucket   string
	basePath string
}

func NewMinIO(ctx context.Context, cfg mio.Config) (*minioBlob, error) {
	client, err := mio.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	basePath := strings.Trim(cfg.BasePath, "/")
	if basePath != "" {
		basePath += "/"
	}

	return &minioBlob{
		db:       client,
		bucket:   cfg.Bucket,
		basePath: basePath,
	}, nil
}

func (s *minioBlob) Put(ctx context.Context, reader io.Reader, name string, size int64) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	object, err := s.object(name)
	if err != nil {
		return 0, "", err
	}

	if size <= 0 {
		size = -1
	}

	hasher := sha256.New()
	info, err := s.db.PutObject(ctx, s.bucket, object, io.TeeReader(reader, hasher), size,
		minio.PutObjectOptions{
			ContentType:  mime.TypeByExtension(path.Ext(name)),
			CacheControl: "public, max-age=1209600",
		})
	if err != nil {
		return 0, "", fmt.Errorf("put object: %w", err)
	}

	return info.Size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *minioBlob) Get(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	object, err := s.object(name)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}

	return obj, st.Size, nil
}

func (s *minioBlob) Delete(ctx context.Context, name string) error {
	object, err := s.object(name)
	if err != nil {
		return err
	}

	err = s.db.RemoveObject(ctx, s.bucket, object, minio.RemoveObjectOptions{})
	if err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == minio.NoSuchKey {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (s *minioBlob) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	objects := s.db.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    s.basePath,
		Recursive: true,
	})
	for info := range objects {
		if info.Err != nil {
			continue
		}
		if !info.LastModified.Before(cutoff) {
			continue
		}
		if err := s.db.RemoveObject(ctx, s.bucket, info.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove old object %s: %w", info.Key, err)
		}
	}
	return nil
}

func (s *minioBlob) object(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty filename")
	}
	clean := strings.TrimLeft(path.Clean(name), "/")
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid filename: %s", name)
	}
	return s.basePath + clean, nil
}
