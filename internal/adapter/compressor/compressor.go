package compressor

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/semmidev/backt/internal/domain"
)

const (
	Gzip = "gzip"
	Zstd = "zstd"
	LZ4  = "lz4"
)

// New returns the compressor registered under name; empty means gzip.
func New(name string) (domain.Compressor, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Gzip:
		return NewGzip(), nil
	case Zstd:
		return NewZstd(), nil
	case LZ4:
		return NewLZ4(), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", name)
}

func all() []domain.Compressor {
	return []domain.Compressor{NewGzip(), NewZstd(), NewLZ4()}
}

// ForFile picks the compressor whose extension ends path, or nil when the file is not compressed.
func ForFile(path string) domain.Compressor {
	for _, c := range all() {
		if strings.HasSuffix(path, c.Extension()) {
			return c
		}
	}
	return nil
}

type streamCodec interface {
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

func compressFile(codec streamCodec, name, sourcePath, destPath string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	writer, err := codec.NewWriter(destFile)
	if err != nil {
		return fmt.Errorf("failed to create %s writer: %w", name, err)
	}

	if _, err := io.Copy(writer, sourceFile); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to compress: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish %s stream: %w", name, err)
	}
	return destFile.Sync()
}

func decompressFile(codec streamCodec, name, sourcePath, destPath string) error {
	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	reader, err := codec.NewReader(sourceFile)
	if err != nil {
		return fmt.Errorf("failed to create %s reader: %w", name, err)
	}
	defer reader.Close()

	destFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create dest file: %w", err)
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, reader); err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return nil
}
