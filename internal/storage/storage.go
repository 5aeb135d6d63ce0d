package storage

import (
	"context"
	"fmt"
	"syscall"
	"time"
)

// DiskStats is a filesystem reading in bytes.
type DiskStats struct {
	Total     int64
	Available int64
}

// DiskMeter reports free and total space for the filesystem holding path.
type DiskMeter interface {
	Usage(path string) (DiskStats, error)
}

// StatfsMeter reads usage with statfs(2).
type StatfsMeter struct{}

func (StatfsMeter) Usage(path string) (DiskStats, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskStats{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return DiskStats{
		Total:     int64(stat.Blocks) * int64(stat.Bsize),
		Available: int64(stat.Bavail) * int64(stat.Bsize),
	}, nil
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// Uploader stores local files in remote object storage.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, key string) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

var _ DiskMeter = StatfsMeter{}
