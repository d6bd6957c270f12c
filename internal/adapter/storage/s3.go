package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	s3manager "github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	appconfig "github.com/semmidev/backt/internal/config"
)

type S3Storage struct {
	client   *s3.Client
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 creates a new S3Storage. A custom endpoint targets S3-compatible
// services such as MinIO; static keys are optional and fall back to the
// default AWS credential chain.
func NewS3(ctx context.Context, cfg *appconfig.UploadTarget) (*S3Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Storage{
		client:   client,
		uploader: s3manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *S3Storage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	return nil
}

func (s *S3Storage) List(ctx context.Context) ([]string, error) {
	var files []string
	err := s.walk(ctx, func(obj types.Object) {
		if name := s.name(aws.ToString(obj.Key)); name != "" {
			files = append(files, name)
		}
	})
	return files, err
}

func (s *S3Storage) Delete(ctx context.Context, remoteName string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(remoteName)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}

	return nil
}

func (s *S3Storage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	err := s.walk(ctx, func(obj types.Object) {
		if obj.LastModified == nil || !obj.LastModified.Before(cutoffTime) {
			return
		}
		if name := s.name(aws.ToString(obj.Key)); name != "" {
			oldFiles = append(oldFiles, name)
		}
	})
	return oldFiles, err
}

func (s *S3Storage) walk(ctx context.Context, visit func(types.Object)) error {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			visit(obj)
		}
	}
	return nil
}

func (s *S3Storage) key(remoteName string) string {
	return joinKey(s.prefix, remoteName)
}

func (s *S3Storage) name(key string) string {
	return stripKey(s.prefix, key)
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

func stripKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
}
