package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the number of minute-of-day slots in a civil day.
const MinutesPerDay = 24 * 60

// Clock supplies "now" in the bot's fixed operating timezone.
// All scheduling decisions (civil date, minute-of-day) derive from it.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System is the wall-clock Clock pinned to one IANA timezone.
type System struct {
	loc *time.Location
}

func NewSystem(tz string) (*System, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return &System{loc: time.Local}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: invalid %q: %w", tz, err)
	}
	return &System{loc: loc}, nil
}

func (c *System) Now() time.Time           { return time.Now().In(c.loc) }
func (c *System) Location() *time.Location { return c.loc }

// Date formats t's civil date as YYYY-MM-DD.
func Date(t time.Time) string { return t.Format("2006-01-02") }

// MinuteOfDay returns t's offset from midnight in minutes (0..1439).
func MinuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// ParseHHMM parses a strict "HH:MM" time-of-day string into minute-of-day.
func ParseHHMM(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// UntilNextMinute returns how long to sleep so the next wake lands on a
// wall-clock minute boundary.
func UntilNextMinute(t time.Time) time.Duration {
	return time.Duration(60-t.Second())*time.Second - time.Duration(t.Nanosecond())
}
