package timers

import (
	"fmt"
	"time"
)

const timeOfDayLayout = "15:04:05"

// TimeOfDay is a wall clock time without a date, stored as the offset from midnight with second precision.
type TimeOfDay time.Duration

// NewTimeOfDay builds a TimeOfDay from its components. It returns an error for out of range values.
func NewTimeOfDay(hour, minute, second int) (TimeOfDay, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 || second < 0 || second > 59 {
		return 0, fmt.Errorf("invalid time of day %02d:%02d:%02d", hour, minute, second)
	}
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute + time.Duration(second)*time.Second), nil
}

// TimeOfDayOf returns the wall clock time of t in t's location, dropping sub-second precision.
func TimeOfDayOf(t time.Time) TimeOfDay {
	tod, _ := NewTimeOfDay(t.Hour(), t.Minute(), t.Second())
	return tod
}

// ParseTimeOfDay accepts "15:04:05" and "15:04".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{timeOfDayLayout, "15:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return TimeOfDayOf(t), nil
		}
	}
	return 0, fmt.Errorf("could not parse time of day %q", s)
}

func (t TimeOfDay) Hour() int   { return int(time.Duration(t) / time.Hour) }
func (t TimeOfDay) Minute() int { return int(time.Duration(t) % time.Hour / time.Minute) }
func (t TimeOfDay) Second() int { return int(time.Duration(t) % time.Minute / time.Second) }

// After reports whether t is strictly later in the day than u.
func (t TimeOfDay) After(u TimeOfDay) bool {
	return t > u
}

// On returns the instant at this time of day on the calendar day of date, in date's location.
func (t TimeOfDay) On(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, date.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
