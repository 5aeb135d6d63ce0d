package engine

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DelayCalculator slows polling down while any quota scope runs short of space.
// Each scope whose free ratio is under StartRatio contributes (StartRatio-ratio)*Multiplier;
// the largest contribution wins.
type DelayCalculator struct {
	StartRatio float64
	Multiplier time.Duration
	Logger     logrus.FieldLogger
}

// MaxPenalty is the delay applied when a limited scope has no free space left.
func (d DelayCalculator) MaxPenalty() time.Duration {
	return time.Duration(math.Round(d.StartRatio * float64(d.Multiplier)))
}

// Extra returns the additional sleep for the next cycle, truncated to whole seconds.
func (d DelayCalculator) Extra(c Capacity) time.Duration {
	log := d.Logger
	if log == nil {
		log = discard
	}

	var sb strings.Builder
	var sysDelay, totalDelay, autoDelay time.Duration

	if c.FSTotal > 0 {
		ratio := float64(c.FSFree) / float64(c.FSTotal)
		sysDelay = d.penalty(ratio)
		fmt.Fprintf(&sb, "sys_ratio=%.3f ", ratio)
	}

	if c.TotalLimit > 0 {
		if c.DiskFree <= 0 {
			return d.clamp(d.MaxPenalty(), log)
		}
		ratio := float64(c.DiskFree) / float64(c.TotalLimit)
		totalDelay = d.penalty(ratio)
		fmt.Fprintf(&sb, "total_ratio=%.3f ", ratio)
	}

	if c.HasScope() {
		if c.ScopeFree <= 0 {
			return d.clamp(d.MaxPenalty(), log)
		}
		ratio := float64(c.ScopeFree) / float64(c.ScopeLimit)
		autoDelay = d.penalty(ratio)
		fmt.Fprintf(&sb, "auto_ratio=%.3f ", ratio)
	}

	delay := max(sysDelay, totalDelay, autoDelay)
	log.Debugf("%ssys_delay=%.1f total_delay=%.1f auto_delay=%.1f",
		sb.String(), sysDelay.Seconds(), totalDelay.Seconds(), autoDelay.Seconds())
	return d.clamp(delay, log)
}

func (d DelayCalculator) penalty(ratio float64) time.Duration {
	if ratio >= d.StartRatio {
		return 0
	}
	return time.Duration(math.Round((d.StartRatio - ratio) * float64(d.Multiplier)))
}

func (d DelayCalculator) clamp(delay time.Duration, log logrus.FieldLogger) time.Duration {
	if delay < 0 {
		log.Errorf("delay time %s < 0", delay)
		return 0
	}
	delay = delay.Truncate(time.Second)
	if delay > 0 {
		log.Infof("delay time: %s", delay)
	}
	return delay
}
