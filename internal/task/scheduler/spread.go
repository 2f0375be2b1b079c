package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStagger bounds the first-run offset of interval jobs.
const maxStagger = 30 * time.Second

// staggered delays the first run of an interval job; later runs follow base.
type staggered struct {
	base  cron.Schedule
	first time.Time
}

func (s *staggered) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// staggerOffset derives a stable whole-second offset below min(every, maxStagger)
// from name, so jobs registered together do not share a tick.
func staggerOffset(name string, every time.Duration) time.Duration {
	secs := uint64(min(every, maxStagger) / time.Second)
	if secs == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64()%secs) * time.Second
}

func intervalSchedule(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	offset := staggerOffset(name, every)
	return &staggered{base: cron.Every(every), first: now.Add(every + offset)}, offset
}
