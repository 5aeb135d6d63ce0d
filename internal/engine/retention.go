package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/domain"
)

// RetentionPolicy decides whether a managed job has met its seeding obligation.
type RetentionPolicy interface {
	Name() string
	ShouldEvict(job domain.TrackedJob, now time.Time) bool
}

// FastFlow evicts a completed, idle job as soon as either its ratio or its seeding time
// passes the configured minimum.
type FastFlow struct {
	MinRatio      float64
	MinSeedTime   time.Duration
	ActivityGrace time.Duration
	Logger        logrus.FieldLogger
}

func (FastFlow) Name() string { return RetentionFastFlow }

func (f FastFlow) ShouldEvict(job domain.TrackedJob, now time.Time) bool {
	log := f.Logger
	if log == nil {
		log = discard
	}
	log = log.WithField("torrent", job.Name)

	if job.Progress < 1 {
		log.Debugf("progress %.2f", job.Progress)
		return false
	}
	if idle := now.Sub(job.LastActivity); idle <= f.ActivityGrace {
		log.Debugf("active %.0f secs ago", idle.Seconds())
		return false
	}
	if job.Ratio > f.MinRatio {
		log.Infof("ratio %.2f > %.2f, will delete", job.Ratio, f.MinRatio)
		return true
	}
	if job.SeedingTime > f.MinSeedTime {
		log.Infof("seed time %s > %s, will delete", job.SeedingTime, f.MinSeedTime)
		return true
	}
	log.Debugf("ratio %.2f seed time %.2fh, keeping", job.Ratio, job.SeedingTime.Hours())
	return false
}

var _ RetentionPolicy = FastFlow{}
