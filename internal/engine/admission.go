package engine

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/domain"
)

// AdmissionPolicy picks at most one new candidate to download given the effective capacity.
type AdmissionPolicy interface {
	Name() string
	Select(candidates []domain.Candidate, capacity int64, now time.Time) []domain.Candidate
}

// NearestOne admits the most recently released candidate that fits, provided it was
// released within Window of now.
type NearestOne struct {
	Window time.Duration
	Logger logrus.FieldLogger
}

func (NearestOne) Name() string { return AdmissionNearestOne }

func (n NearestOne) Select(candidates []domain.Candidate, capacity int64, now time.Time) []domain.Candidate {
	log := n.Logger
	if log == nil {
		log = discard
	}

	ordered := make([]domain.Candidate, len(candidates))
	copy(ordered, candidates)
	SortNewestFirst(ordered)

	for _, c := range ordered {
		if c.ByteSize >= capacity {
			log.Debugf("file size %s is too large (capacity %d)", humanize.IBytes(uint64(c.ByteSize)), capacity)
			continue
		}
		if age := now.Sub(c.ReleaseTime); age >= n.Window {
			log.Debugf("released %.1f min ago, older than %.1f min", age.Minutes(), n.Window.Minutes())
			continue
		}
		log.Infof("found torrent to add, size=%s url=%s", humanize.IBytes(uint64(c.ByteSize)), c.Link)
		return []domain.Candidate{c}
	}
	return nil
}

var _ AdmissionPolicy = NearestOne{}
