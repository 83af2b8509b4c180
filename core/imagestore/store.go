// Package imagestore decides where generated image bytes live and what
// reference a job carries for them.
package imagestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("image not found")
	ErrUnsupported = errors.New("image store does not serve files")
)

// Store persists an image and returns the reference clients use to load it.
type Store interface {
	Save(ctx context.Context, name string, data []byte, mime string) (string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, int64, error)
}

// Blob is the byte-level backend behind a published store.
type Blob interface {
	Put(ctx context.Context, reader io.Reader, name string, size int64) (int64, string, error)
	Get(ctx context.Context, name string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, name string) error
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) error
}

// ObjectName derives a stable file name from the cache key of a query.
func ObjectName(queryHash, mime string) string {
	return queryHash + extension(mime)
}

func extension(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

type dataURLStore struct{}

// NewDataURL keeps images inline in the job record. Nothing touches disk,
// which suits hosts without a writable filesystem.
func NewDataURL() *dataURLStore {
	return &dataURLStore{}
}

func (dataURLStore) Save(_ context.Context, _ string, data []byte, mime string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (dataURLStore) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return nil, 0, ErrUnsupported
}

// CleanupOlderThan is a no-op: inline images expire with their session.
func (dataURLStore) CleanupOlderThan(context.Context, time.Duration) error {
	return nil
}

type publishedStore struct {
	blob      Blob
	urlPrefix string
}

// NewPublished writes images to blob and hands out urlPrefix+name refs.
func NewPublished(blob Blob, urlPrefix string) *publishedStore {
	if !strings.HasSuffix(urlPrefix, "/") {
		urlPrefix += "/"
	}
	return &publishedStore{blob: blob, urlPrefix: urlPrefix}
}

func (s *publishedStore) Save(ctx context.Context, name string, data []byte, _ string) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	if _, _, err := s.blob.Put(ctx, bytes.NewReader(data), name, int64(len(data))); err != nil {
		return "", fmt.Errorf("save image %s: %w", name, err)
	}
	return s.urlPrefix + name, nil
}

func (s *publishedStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	return s.blob.Get(ctx, name)
}

func (s *publishedStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	return s.blob.CleanupOlderThan(ctx, maxAge)
}
