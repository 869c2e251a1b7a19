package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind tells whether a schedule runs on a cron calendar or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a normalized schedule. Source records the input form:
// "cron", "daily", "weekdays", "duration" or "hhmm".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

// CronSpec returns the schedule in robfig/cron syntax.
func (p ParsedSpec) CronSpec() string {
	if p.Kind == SpecInterval {
		return "@every " + p.Every.String()
	}
	return p.Cron
}

var errEmptySchedule = errors.New("schedule required")

// clockSchedules map "<word> HH:MM" to a cron day-of-week field.
var clockSchedules = map[string]string{
	"daily":    "*",
	"weekdays": "1-5",
	"weekends": "0,6",
}

// ParseSchedule accepts:
//   - cron expressions and descriptors: "*/5 * * * *", "@hourly", "@every 55m"
//   - clock times in the schedules timezone: "daily 09:30", "weekdays 08:00", "weekends 10:15"
//   - intervals: "55m", "2h30m", or "HH:MM" read as a duration ("02:30" is 2h30m)
//
// "cron:" forces cron parsing; "interval:" and "every:" force interval parsing.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errEmptySchedule
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(strings.TrimSpace(prefix)) {
		case "cron":
			if rest = strings.TrimSpace(rest); rest == "" {
				return ParsedSpec{}, errEmptySchedule
			}
			return ParsedSpec{Kind: SpecCron, Cron: rest, Source: "cron"}, nil
		case "interval", "every":
			return parseInterval(rest)
		}
	}

	if word, clock, ok := strings.Cut(s, " "); ok {
		if dow, known := clockSchedules[strings.ToLower(word)]; known {
			h, m, err := parseClock(clock)
			if err != nil {
				return ParsedSpec{}, err
			}
			return ParsedSpec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * %s", m, h, dow), Source: strings.ToLower(word)}, nil
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	ps, err := parseInterval(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q: use cron ('*/5 * * * *'), 'daily 09:30', 'weekdays 08:00', HH:MM ('02:30') or a duration ('55m')", raw)
	}
	return ps, nil
}

func parseInterval(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	var (
		d   time.Duration
		src string
		err error
	)
	if h, m, ok := splitHHMM(v); ok {
		if m > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(h)*time.Hour+time.Duration(m)*time.Minute, "hhmm"
	} else if d, err = time.ParseDuration(v); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q", v)
	} else {
		src = "duration"
	}
	if d <= 0 {
		return ParsedSpec{}, errors.New("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// parseClock reads a time of day.
func parseClock(s string) (hour, minute int, err error) {
	h, m, ok := splitHHMM(strings.TrimSpace(s))
	if !ok || h > 23 || m > 59 {
		return 0, 0, fmt.Errorf("invalid time of day %q, expected HH:MM", s)
	}
	return h, m, nil
}

// splitHHMM splits "H:MM" with up to three hour digits and exactly two
// minute digits. Range checks are left to the caller.
func splitHHMM(s string) (h, m int, ok bool) {
	hs, ms, found := strings.Cut(s, ":")
	if !found || len(hs) < 1 || len(hs) > 3 || len(ms) != 2 {
		return 0, 0, false
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || m < 0 {
		return 0, 0, false
	}
	return h, m, true
}
