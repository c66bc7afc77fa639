package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ColdStorage receives archive objects. Put returns the object's URI.
type ColdStorage interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// StorageConfig selects the cold storage backend.
type StorageConfig struct {
	// Bucket enables S3; empty selects LocalDir.
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	LocalDir  string
}

// NewStorage picks S3 when a bucket is configured and the local directory otherwise.
func NewStorage(ctx context.Context, cfg StorageConfig) (ColdStorage, error) {
	if cfg.Bucket == "" {
		return &LocalStorage{BaseDir: cfg.LocalDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Storage{client: client, bucket: cfg.Bucket}, nil
}

func newS3Client(ctx context.Context, cfg StorageConfig) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Storage writes archive objects to a bucket.
type S3Storage struct {
	client *s3.Client
	bucket string
}

func (s *S3Storage) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(body),
		ContentType:     aws.String(contentType),
		ContentEncoding: aws.String("gzip"),
		ContentLength:   aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// LocalStorage writes archive objects under a directory, for development and tests.
type LocalStorage struct {
	BaseDir string
}

func (l *LocalStorage) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	if key == "" || strings.HasPrefix(key, "..") {
		return "", errors.New("invalid object key")
	}
	base := l.BaseDir
	if base == "" {
		base = "./archive"
	}
	path := filepath.Join(base, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	// Renamed into place so a partial object is never visible.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename file: %w", err)
	}
	return "file://" + path, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	if key == "." {
		return ""
	}
	return key
}
