// Package minio stores blobs in a MinIO server.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pranav-miglani/dental-record/internal/blob"
)

var _ blob.Store = (*Bucket)(nil)

// Config addresses one bucket. Endpoint is host:port without a scheme.
type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	StorageClass    string
}

// Bucket is a blob.Store over one MinIO bucket.
type Bucket struct {
	client *minio.Client
	cfg    Config
}

// NewClient creates a MinIO client for cfg.
func NewClient(cfg Config) (*minio.Client, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}
	return client, nil
}

// New creates the bucket store and makes sure the bucket exists.
func New(ctx context.Context, cfg Config) (*Bucket, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return &Bucket{client: client, cfg: cfg}, nil
}

func (b *Bucket) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, b.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		StorageClass: b.cfg.StorageClass,
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return key, nil
}

func (b *Bucket) Get(ctx context.Context, key string) ([]byte, error) {
	object, err := b.client.GetObject(ctx, b.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", blob.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (b *Bucket) Delete(ctx context.Context, key string) error {
	if err := b.client.RemoveObject(ctx, b.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.cfg.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (b *Bucket) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.cfg.Bucket, key, ttl, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}

func (b *Bucket) Location() string {
	return "s3://" + b.cfg.Bucket
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
