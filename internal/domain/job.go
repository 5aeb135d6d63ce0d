package domain

import (
	"strings"
	"time"
)

// TrackedJob is one download as reported by the torrent client in the current cycle.
type TrackedJob struct {
	Hash         string
	Name         string
	Progress     float64
	Ratio        float64
	SeedingTime  time.Duration
	LastActivity time.Time
	Size         int64
	Tags         []string
}

// HasTag reports whether the job carries label.
func (j TrackedJob) HasTag(label string) bool {
	for _, t := range j.Tags {
		if t == label {
			return true
		}
	}
	return false
}

// SplitTags splits the client's comma separated tag string.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// Labeled returns the jobs that carry label.
func Labeled(jobs []TrackedJob, label string) []TrackedJob {
	var out []TrackedJob
	for _, j := range jobs {
		if j.HasTag(label) {
			out = append(out, j)
		}
	}
	return out
}
