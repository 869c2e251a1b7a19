package trigger

import (
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays only the first run of an interval schedule so that
// several schedules registered together do not all fire at once.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalWithSpread(every time.Duration, now time.Time) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base
	}
	// cron.Every works in whole seconds, so the first run must too.
	jitter := rand.N(spread).Truncate(time.Second)
	return &spreadSchedule{base: base, first: now.Truncate(time.Second).Add(every + jitter)}
}
