package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/semmidev/backt/internal/config"
)

type GCSStorage struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, cfg *config.UploadTarget) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (g *GCSStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	w := g.client.Bucket(g.bucket).Object(joinKey(g.prefix, remoteName)).NewWriter(ctx)
	w.Metadata = map[string]string{"backup-timestamp": time.Now().UTC().Format(time.RFC3339)}

	if _, err := io.Copy(w, file); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to upload to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS upload: %w", err)
	}

	return nil
}

func (g *GCSStorage) List(ctx context.Context) ([]string, error) {
	var files []string
	err := g.walk(ctx, func(attrs *storage.ObjectAttrs) {
		if name := stripKey(g.prefix, attrs.Name); name != "" {
			files = append(files, name)
		}
	})
	return files, err
}

func (g *GCSStorage) Delete(ctx context.Context, remoteName string) error {
	if err := g.client.Bucket(g.bucket).Object(joinKey(g.prefix, remoteName)).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

func (g *GCSStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	var oldFiles []string
	err := g.walk(ctx, func(attrs *storage.ObjectAttrs) {
		if !attrs.Updated.Before(cutoffTime) {
			return
		}
		if name := stripKey(g.prefix, attrs.Name); name != "" {
			oldFiles = append(oldFiles, name)
		}
	})
	return oldFiles, err
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) walk(ctx context.Context, visit func(*storage.ObjectAttrs)) error {
	query := &storage.Query{}
	if g.prefix != "" {
		query.Prefix = g.prefix + "/"
	}

	it := g.client.Bucket(g.bucket).Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to list GCS objects: %w", err)
		}
		visit(attrs)
	}
}
