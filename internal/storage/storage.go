// Package storage publishes pipeline artifacts to S3-compatible object storage or a local directory.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"podcast-pipeline/internal/config"
)

// Uploader stores an object and returns the URL listeners fetch it from.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// AudioKey is the object key of a job's merged audio.
func AudioKey(jobID string) string { return path.Join("podcasts", jobID, "audio.mp3") }

// FeedKey is the object key of a job's RSS feed.
func FeedKey(jobID string) string { return path.Join("podcasts", jobID, "feed.xml") }

// CoverKey is the object key of a job's cover art.
func CoverKey(jobID string) string { return path.Join("podcasts", jobID, "cover.jpg") }

// FromConfig picks S3 when a bucket is configured and the local directory otherwise.
func FromConfig(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.StorageBucket == "" {
		return NewLocal(cfg.StorageLocalDir, cfg.StoragePublicURL), nil
	}
	client, err := newS3Client(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	return NewS3(client, cfg), nil
}

func newS3Client(ctx context.Context, cfg config.Config, extra []func(*awsconfig.LoadOptions) error) (*s3.Client, error) {
	opts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.StorageRegion)}, extra...)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.StorageEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.StorageEndpoint)
		}
		o.UsePathStyle = cfg.StoragePathStyle
	}), nil
}

// S3 uploads with PutObject.
type S3 struct {
	client    *s3.Client
	bucket    string
	region    string
	endpoint  string
	publicURL string
}

func NewS3(client *s3.Client, cfg config.Config) *S3 {
	return &S3{
		client:    client,
		bucket:    cfg.StorageBucket,
		region:    cfg.StorageRegion,
		endpoint:  cfg.StorageEndpoint,
		publicURL: cfg.StoragePublicURL,
	}
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return s.URL(key), nil
}

// URL is the public address of key.
func (s *S3) URL(key string) string {
	switch {
	case s.publicURL != "":
		return joinURL(s.publicURL, key)
	case s.endpoint != "":
		return joinURL(s.endpoint, s.bucket+"/"+key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// Local writes objects under a base directory.
type Local struct {
	baseDir   string
	publicURL string
}

func NewLocal(baseDir, publicURL string) *Local {
	if baseDir == "" {
		baseDir = "./output"
	}
	return &Local{baseDir: baseDir, publicURL: publicURL}
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	if l.publicURL != "" {
		return joinURL(l.publicURL, key), nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

func sanitizeKey(key string) string {
	key = path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimPrefix(key, "/")
}
