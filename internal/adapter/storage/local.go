package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

type LocalStorage struct {
	basePath string
}

func NewLocal(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Upload copies localPath into the base directory. The copy is written under a
// temporary name and renamed, so readers never see a partial artifact.
func (l *LocalStorage) Upload(ctx context.Context, localPath string, remoteName string) error {
	source, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer source.Close()

	return l.write(ctx, source, remoteName)
}

// Move places localPath into the base directory, renaming when both sides share
// a filesystem and copying otherwise.
func (l *LocalStorage) Move(ctx context.Context, localPath string, remoteName string) (string, error) {
	destPath := l.GetPath(remoteName)
	err := os.Rename(localPath, destPath)
	if err == nil {
		return destPath, nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return "", fmt.Errorf("failed to move %s: %w", filepath.Base(localPath), err)
	}
	if err := l.Upload(ctx, localPath, remoteName); err != nil {
		return "", err
	}
	_ = os.Remove(localPath)
	return destPath, nil
}

func (l *LocalStorage) write(ctx context.Context, source io.Reader, remoteName string) error {
	destPath := l.GetPath(remoteName)
	tmp, err := os.CreateTemp(l.basePath, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create dest: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: source}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to copy: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", remoteName, err)
	}
	return nil
}

func (l *LocalStorage) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && !isPartial(entry.Name()) {
			files = append(files, entry.Name())
		}
	}

	return files, nil
}

func (l *LocalStorage) Delete(ctx context.Context, remoteName string) error {
	filePath := filepath.Join(l.basePath, remoteName)
	if err := os.Remove(filePath); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *LocalStorage) GetOldFiles(ctx context.Context, cutoffTime time.Time) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var oldFiles []string
	for _, entry := range entries {
		if entry.IsDir() || isPartial(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to get file info for %s: %w", entry.Name(), err)
		}
		if info.ModTime().Before(cutoffTime) {
			oldFiles = append(oldFiles, entry.Name())
		}
	}

	return oldFiles, nil
}

func (l *LocalStorage) GetPath(filename string) string {
	return filepath.Join(l.basePath, filename)
}

func isPartial(name string) bool {
	return len(name) > 8 && name[:8] == ".upload-"
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
