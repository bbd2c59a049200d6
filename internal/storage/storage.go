// Package storage streams stored file objects from an S3-compatible
// backend. Objects are keyed by the owner's storage GUID plus the
// file's logical path.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Client wraps the object store for file downloads.
type Client struct {
	mc     *minio.Client
	bucket string
}

// NewClient connects to the object store. Returns an error when the
// endpoint is unset; callers treat a nil client as "downloads disabled".
func NewClient(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object storage endpoint not configured")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket}, nil
}

// ObjectKey builds the storage key for a file: the owner's storage GUID,
// the file's folder path, and its name, with duplicate slashes collapsed.
func ObjectKey(storageGUID, path, name string) string {
	key := storageGUID + "/" + path + "/" + name
	for strings.Contains(key, "//") {
		key = strings.ReplaceAll(key, "//", "/")
	}
	return strings.TrimPrefix(key, "/")
}

// Open returns a reader over the object and its size. The caller must
// close the reader.
func (c *Client) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("open object %s: %w", key, err)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return obj, info.Size, nil
}
