// Package artifacts archives generated content and prepared media either on local disk or in an
// S3-compatible bucket.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"agency-core/internal/config"
)

// Store writes an object and returns a location string for it.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the S3 store when ARTIFACT_S3_BUCKET is set and the local directory store otherwise.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	if cfg.ArtifactS3Bucket == "" {
		dir := cfg.ArtifactDir
		if dir == "" {
			dir = "./artifacts"
		}
		return &LocalStore{BaseDir: dir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client, bucket: cfg.ArtifactS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArtifactS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArtifactS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArtifactS3Endpoint)
		}
		o.UsePathStyle = cfg.ArtifactS3PathStyle
	}), nil
}

// CleanKey normalises an object key and rejects keys that escape the archive root.
func CleanKey(key string) (string, error) {
	key = path.Clean(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "." || key == "" || key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return key, nil
}

// LocalStore writes objects below BaseDir.
type LocalStore struct {
	BaseDir string
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	p := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Store writes objects to a bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	if s.client == nil {
		return "", errors.New("s3 client not configured")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
