package engine

import (
	"sort"

	"qb-autoseed/internal/domain"
)

// DiffFeed returns the candidates of fresh whose release time matches none in previous,
// newest first. Callers replace previous with fresh after every cycle, so a candidate that
// leaves the feed and comes back is new again.
func DiffFeed(fresh, previous []domain.Candidate) []domain.Candidate {
	seen := make(map[int64]struct{}, len(previous))
	for _, c := range previous {
		seen[c.ReleaseTime.UnixNano()] = struct{}{}
	}

	var added []domain.Candidate
	for _, c := range fresh {
		if _, ok := seen[c.ReleaseTime.UnixNano()]; ok {
			continue
		}
		added = append(added, c)
	}
	SortNewestFirst(added)
	return added
}

// SortNewestFirst orders candidates by release time, most recent first.
func SortNewestFirst(cs []domain.Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		return cs[j].Before(cs[i])
	})
}
