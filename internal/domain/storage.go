package domain

import (
	"context"
	"io"
	"time"
)

type Storage interface {
	Upload(ctx context.Context, localPath string, remoteName string) error
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, remoteName string) error
	GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error)
}

type Compressor interface {
	Name() string
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
	Compress(sourcePath, destPath string) error
	Decompress(sourcePath, destPath string) error
}
