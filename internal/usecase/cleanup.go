package usecase

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

var filenameTimestamp = regexp.MustCompile(`(\d{8})_(\d{6})`)

type RetentionObserver interface {
	StorageObserver
	ObserveRetentionDelete()
}

// Cleanup deletes artifacts older than the retention window from every target,
// the local destination included when it is passed as a target.
type Cleanup struct {
	uploadTargets []UploadTarget
	logger        Logger
	retentionDays int
	observer      RetentionObserver
	now           func() time.Time
}

func NewCleanup(
	uploadTargets []UploadTarget,
	logger Logger,
	retentionDays int,
	observer RetentionObserver,
) *Cleanup {
	return &Cleanup{
		uploadTargets: uploadTargets,
		logger:        logger,
		retentionDays: retentionDays,
		observer:      observer,
		now:           time.Now,
	}
}

func (uc *Cleanup) Execute(ctx context.Context) error {
	if uc.retentionDays <= 0 {
		uc.logger.Infof("Retention disabled, skipping cleanup")
		return nil
	}
	uc.logger.Infof("Starting cleanup, retention: %d days", uc.retentionDays)

	cutoff := uc.now().AddDate(0, 0, -uc.retentionDays)

	if len(uc.uploadTargets) > 0 {
		uc.cleanupTargets(ctx, cutoff)
	}

	uc.logger.Infof("Cleanup completed")
	return nil
}

func (uc *Cleanup) cleanupTargets(ctx context.Context, cutoff time.Time) {
	var wg sync.WaitGroup

	for _, target := range uc.uploadTargets {
		wg.Add(1)
		go func(t UploadTarget) {
			defer wg.Done()

			if err := uc.cleanupTarget(ctx, t, cutoff); err != nil {
				uc.logger.Errorf("Cleanup failed for %s: %v", t.Name, err)
			}
		}(target)
	}

	wg.Wait()
}

func (uc *Cleanup) cleanupTarget(ctx context.Context, target UploadTarget, cutoff time.Time) error {
	files, err := target.Storage.GetOldFiles(ctx, cutoff)
	if err != nil {
		uc.logger.Warnf("Listing old files on %s failed, falling back to file names: %v", target.Name, err)
		files, err = uc.fallbackListFiles(ctx, target, cutoff)
		if err != nil {
			return err
		}
	}

	deleted := 0
	for _, filename := range files {
		uc.logger.Infof("Deleting old backup from %s: %s", target.Name, filename)

		err := target.Storage.Delete(ctx, filename)
		if uc.observer != nil {
			uc.observer.ObserveStorage("delete", target.Name, err)
		}
		if err != nil {
			uc.logger.Errorf("Failed to delete %s from %s: %v", filename, target.Name, err)
			continue
		}
		deleted++
		if uc.observer != nil {
			uc.observer.ObserveRetentionDelete()
		}
	}

	uc.logger.Infof("Deleted %d old backup(s) from %s", deleted, target.Name)
	return nil
}

func (uc *Cleanup) fallbackListFiles(ctx context.Context, target UploadTarget, cutoff time.Time) ([]string, error) {
	files, err := target.Storage.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	oldFiles := make([]string, 0)
	for _, filename := range files {
		timestamp, err := extractTimestamp(filename)
		if err != nil {
			uc.logger.Warnf("Could not parse timestamp from %s: %v", filename, err)
			continue
		}

		if timestamp.Before(cutoff) {
			oldFiles = append(oldFiles, filename)
		}
	}

	return oldFiles, nil
}

// extractTimestamp reads the local start time embedded in an artifact name.
func extractTimestamp(filename string) (time.Time, error) {
	matches := filenameTimestamp.FindStringSubmatch(filename)
	if len(matches) < 3 {
		return time.Time{}, fmt.Errorf("invalid filename format: no timestamp found")
	}

	return time.ParseInLocation("20060102_150405", matches[1]+"_"+matches[2], time.Local)
}
