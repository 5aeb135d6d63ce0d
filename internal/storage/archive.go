package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// LogFileLayout is the name of the daily log file for a given day.
const LogFileLayout = "log2006-01-02.log"

// ArchiveLogs uploads every daily log file in dir older than today's and removes the local
// copy once it is stored. Files that are already present remotely are only removed.
func ArchiveLogs(ctx context.Context, up Uploader, dir string, now time.Time, logger logrus.FieldLogger) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "log*.log"))
	if err != nil {
		return 0, fmt.Errorf("list log files: %w", err)
	}

	existing, err := up.ListObjects(ctx, "")
	if err != nil {
		return 0, err
	}
	stored := make(map[string]struct{}, len(existing))
	for _, obj := range existing {
		stored[path.Base(obj.Key)] = struct{}{}
	}

	today := now.Format(LogFileLayout)
	archived := 0
	for _, file := range matches {
		name := filepath.Base(file)
		day, err := time.ParseInLocation(LogFileLayout, name, now.Location())
		if err != nil || name >= today || !day.Before(now) {
			continue
		}

		if _, ok := stored[name]; !ok {
			dest, err := up.UploadFile(ctx, file, name)
			if err != nil {
				return archived, err
			}
			logger.Infof("archived %s to %s", name, dest)
		}
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			logger.Warnf("remove archived log %s: %v", file, err)
		}
		archived++
	}
	return archived, nil
}

// RunArchiver calls ArchiveLogs every interval until ctx is done.
func RunArchiver(ctx context.Context, up Uploader, dir string, interval time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Infof("log archiver started, interval %s", interval)
	for {
		if _, err := ArchiveLogs(ctx, up, dir, time.Now(), logger); err != nil {
			logger.Warnf("archive logs: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("log archiver stopped")
			return
		case <-ticker.C:
		}
	}
}
