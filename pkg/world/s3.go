package world

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Mindburn-Labs/substrate/pkg/worldpath"
)

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage stores World objects in an S3 bucket, keyed by path.
type S3Storage struct {
	guard
	client s3API
	bucket string
	prefix string
}

// S3Config holds configuration for S3Storage.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

func NewS3Storage(ctx context.Context, cfg S3Config, c *worldpath.Canonicalizer) (*S3Storage, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Storage(client, cfg, c), nil
}

func newS3Storage(client s3API, cfg S3Config, c *worldpath.Canonicalizer) *S3Storage {
	return &S3Storage{guard: newGuard(c), client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

func (s *S3Storage) GetBytes(ctx context.Context, path string) ([]byte, error) {
	if err := s.check(path); err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(s.prefix, path)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", path, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *S3Storage) PutBytes(ctx context.Context, path string, data []byte) (string, error) {
	if err := s.check(path); err != nil {
		return "", err
	}
	cid := ComputeCID(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key(s.prefix, path)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"cid": cid},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed for %s: %w", path, err)
	}
	return cid, nil
}

func (s *S3Storage) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.check(path); err != nil {
		return false, err
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(s.prefix, path)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed for %s: %w", path, err)
}

func (s *S3Storage) ComputeCID(data []byte) string { return ComputeCID(data) }
