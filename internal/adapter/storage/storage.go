// Package storage places finished artifacts on local disk and remote targets.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
)

// New builds the storage backend for one configured upload target.
func New(ctx context.Context, target config.UploadTarget) (domain.Storage, error) {
	switch strings.ToLower(target.Type) {
	case "local":
		return NewLocal(target.Path)
	case "s3":
		return NewS3(ctx, &target)
	case "gcs":
		return NewGCS(ctx, &target)
	case "azure":
		return NewAzure(&target)
	case "gdrive":
		return NewGDrive(ctx, &target)
	default:
		return nil, fmt.Errorf("unknown upload target type %q", target.Type)
	}
}

// Target pairs a backend with the name it is reported under.
type Target struct {
	Name    string
	Storage domain.Storage
}

// NewTargets builds every enabled upload target.
func NewTargets(ctx context.Context, targets []config.UploadTarget) ([]Target, error) {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		s, err := New(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("upload target %s: %w", t.DisplayName(), err)
		}
		out = append(out, Target{Name: t.DisplayName(), Storage: s})
	}
	return out, nil
}
