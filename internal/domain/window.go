package domain

import "time"

// SendWindow restricts sends to allowed weekdays and an hour range in a time zone.
// EndHour is exclusive and may be 24. A window whose end is not after its start
// spans midnight into the following day.
type SendWindow struct {
	BusinessHoursOnly bool
	Weekdays          []time.Weekday
	StartHour         int
	EndHour           int
	TimeZone          string
}

func (w SendWindow) location() *time.Location {
	if w.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (w SendWindow) dayAllowed(d time.Weekday) bool {
	if len(w.Weekdays) == 0 {
		return true
	}
	for _, wd := range w.Weekdays {
		if wd == d {
			return true
		}
	}
	return false
}

// Contains reports whether t falls inside the window.
func (w SendWindow) Contains(t time.Time) bool {
	if !w.BusinessHoursOnly {
		return true
	}

	local := t.In(w.location())
	minuteOfDay := local.Hour()*60 + local.Minute()
	weekday := local.Weekday()
	start := w.StartHour * 60
	end := w.EndHour * 60

	if end <= start {
		// window spans midnight
		if w.dayAllowed(weekday) && minuteOfDay >= start {
			return true
		}
		prev := time.Weekday((int(weekday) + 6) % 7)
		return w.dayAllowed(prev) && minuteOfDay < end
	}

	return w.dayAllowed(weekday) && minuteOfDay >= start && minuteOfDay < end
}

// Next returns t when it is inside the window, otherwise the next instant the
// window opens. ok is false when no allowed day exists.
func (w SendWindow) Next(t time.Time) (next time.Time, ok bool) {
	if w.Contains(t) {
		return t, true
	}

	loc := w.location()
	local := t.In(loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		open := time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, 0, 0, 0, loc)
		if !open.After(t) {
			continue
		}
		if w.dayAllowed(open.Weekday()) {
			return open, true
		}
	}
	return time.Time{}, false
}
