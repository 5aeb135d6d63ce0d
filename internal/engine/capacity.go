package engine

import (
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/storage"
)

// Capacity is the free space picture of one cycle. Free values may be negative.
type Capacity struct {
	FSFree  int64
	FSTotal int64

	// DiskFree is min(FSFree, TotalLimit-TotalUsage), or FSFree when TotalLimit is 0.
	DiskFree   int64
	TotalUsage int64
	TotalLimit int64

	// ScopeFree is only meaningful when ScopeLimit > 0.
	ScopeFree  int64
	ScopeUsage int64
	ScopeLimit int64
}

// HasScope reports whether a labeled-subset quota is configured.
func (c Capacity) HasScope() bool { return c.ScopeLimit > 0 }

// Effective is the room left for a new download after keeping threshold bytes in reserve.
func (c Capacity) Effective(threshold int64) int64 {
	free := c.DiskFree
	if c.HasScope() && c.ScopeFree < free {
		free = c.ScopeFree
	}
	return free - threshold
}

// Accountant computes Capacity from a job snapshot and a filesystem reading.
// A zero limit means the scope is unbounded.
type Accountant struct {
	TotalLimit int64
	ScopeLimit int64
	LowSpace   int64
	Label      string
	Logger     logrus.FieldLogger
}

func (a Accountant) Measure(jobs []domain.TrackedJob, fs storage.DiskStats) Capacity {
	c := Capacity{
		FSFree:     fs.Available,
		FSTotal:    fs.Total,
		DiskFree:   fs.Available,
		TotalLimit: a.TotalLimit,
		ScopeLimit: a.ScopeLimit,
	}
	for _, j := range jobs {
		c.TotalUsage += j.Size
		if j.HasTag(a.Label) {
			c.ScopeUsage += j.Size
		}
	}

	a.checkLow("system", c.FSFree)

	if a.TotalLimit > 0 {
		totalFree := a.TotalLimit - c.TotalUsage
		a.checkLow("total", totalFree)
		if totalFree < 0 {
			a.log().Warnf("total size of torrents exceeds total limit by %s", humanize.IBytes(uint64(-totalFree)))
		}
		if totalFree < c.DiskFree {
			c.DiskFree = totalFree
		}
		a.log().Debugf("system_free=%d total_storage_free=%d", c.FSFree, totalFree)
	}

	if a.ScopeLimit > 0 {
		c.ScopeFree = a.ScopeLimit - c.ScopeUsage
		a.checkLow(a.Label, c.ScopeFree)
		if c.ScopeFree < 0 {
			a.log().Warnf("size of %q torrents exceeds its limit by %s", a.Label, humanize.IBytes(uint64(-c.ScopeFree)))
		}
	}

	if c.HasScope() {
		a.log().Debugf("disk_free=%d scope_free=%d", c.DiskFree, c.ScopeFree)
	} else {
		a.log().Debugf("disk_free=%d scope_free=unset", c.DiskFree)
	}
	return c
}

func (a Accountant) checkLow(scope string, free int64) {
	if free > 0 && free < a.LowSpace {
		a.log().Infof("%s free space %s below threshold %s", scope, humanize.IBytes(uint64(free)), humanize.IBytes(uint64(a.LowSpace)))
	}
}

func (a Accountant) log() logrus.FieldLogger {
	if a.Logger == nil {
		return discard
	}
	return a.Logger
}
