package planning

import (
	"fmt"
	"time"
)

const dayFormat = "2006-01-02"

// ParseClock accepts "HH:MM" or "HH:MM:SS" and returns the offset from
// midnight. Used for the working-day window in config.
func ParseClock(s string) (time.Duration, error) {
	return parseClock(s)
}

func parseClock(s string) (time.Duration, error) {
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		sec = 0
		if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
			return 0, fmt.Errorf("bad clock value %q", s)
		}
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || sec < 0 || sec > 59 {
		return 0, fmt.Errorf("bad clock value %q", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second, nil
}

func formatClock(d time.Duration) string {
	d = d % (24 * time.Hour)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// combine builds a wall-clock instant from a calendar day and an offset
// from midnight, in the given location. time.Date normalizes the seconds
// overflow, so DST days stay well defined.
func combine(day time.Time, clock time.Duration, loc *time.Location) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, 0, 0, int(clock/time.Second), 0, loc)
}

// clockOf returns the offset from midnight of t's wall clock.
func clockOf(t time.Time) time.Duration {
	h, m, s := t.Clock()
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
}
