package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds the connection settings of a MinIO (or any S3 compatible)
// endpoint.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// PublicURL overrides the scheme://endpoint prefix of returned URLs.
	PublicURL string
}

// MinioStorage stores objects in one MinIO bucket.
type MinioStorage struct {
	mc  *minio.Client
	cfg MinioConfig
}

// NewMinioStorage connects to the endpoint and makes sure the bucket exists.
func NewMinioStorage(ctx context.Context, cfg MinioConfig) (*MinioStorage, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	if err := ensureBucket(ctx, mc, cfg.Bucket); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	return &MinioStorage{mc: mc, cfg: cfg}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return err
	}
	if !exists {
		return client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	}
	return nil
}

// URL returns the path-style URL of key.
func (m *MinioStorage) URL(key string) string {
	base := m.cfg.PublicURL
	if base == "" {
		scheme := "http"
		if m.cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + m.cfg.Endpoint
	}
	return strings.TrimSuffix(base, "/") + "/" + m.cfg.Bucket + "/" + (&url.URL{Path: key}).EscapedPath()
}

// Put uploads data as one object.
func (m *MinioStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	info, err := m.mc.PutObject(ctx, m.cfg.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("minio put %s: %w", key, err)
	}
	return m.URL(info.Key), nil
}

// Get downloads the object stored under key.
func (m *MinioStorage) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	obj, err := m.mc.GetObject(ctx, m.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("minio read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key.
func (m *MinioStorage) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	if err := m.mc.RemoveObject(ctx, m.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("minio delete %s: %w", key, err)
	}
	return nil
}
