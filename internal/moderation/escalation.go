package moderation

import (
	"fmt"
	"math"
	"time"
)

// BlockDuration returns the block length for an escalation level. Levels
// inside the schedule index it directly; each level past the end adds step
// to the last entry.
func BlockDuration(schedule []time.Duration, step time.Duration, level int) time.Duration {
	if len(schedule) == 0 {
		return step * time.Duration(level+1)
	}
	if level < 0 {
		level = 0
	}
	if level < len(schedule) {
		return schedule[level]
	}
	last := schedule[len(schedule)-1]
	return last + step*time.Duration(level-len(schedule)+1)
}

// RestrictionReason formats the rejection shown to a restricted sender.
func RestrictionReason(kind string, remaining time.Duration) string {
	if kind == KindBlock {
		return fmt.Sprintf("blocked, %d minutes remaining", ceilUnits(remaining, time.Minute))
	}
	return fmt.Sprintf("muted, %d seconds remaining", ceilUnits(remaining, time.Second))
}

func ceilUnits(d, unit time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(d) / float64(unit)))
}
