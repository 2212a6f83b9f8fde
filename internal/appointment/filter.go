package appointment

import (
	"strings"
	"time"
)

const (
	dateLayout = "02.01.2006"
	timeLayout = "15:04"

	// filter value meaning "no filter" in the operator UI
	filterNone = "Yok"
	// literal token: accept today's or tomorrow's date
	filterToday = "bugun"
)

// FilterSlots narrows probed slots to those matching the monitor's date and
// time constraints. Slots whose sub-times are all filtered out are dropped.
// Unparseable filter values pass everything through.
func FilterSlots(slots []Slot, dateRange, timeRange string, now time.Time) []Slot {
	var out []Slot
	for _, s := range slots {
		if !DateMatches(s.Date, dateRange, now) {
			continue
		}
		subtimes := s.Subtimes
		if hasFilter(timeRange) {
			subtimes = nil
			for _, st := range s.Subtimes {
				if TimeMatches(st, timeRange) {
					subtimes = append(subtimes, st)
				}
			}
		}
		if len(subtimes) > 0 {
			out = append(out, Slot{Date: s.Date, Hour: s.Hour, Subtimes: subtimes})
		}
	}
	return out
}

// DateMatches reports whether a DD.MM.YYYY date passes the filter. Accepted
// filter forms: "bugun" (today or tomorrow), a single date, or an inclusive
// "start-end" range. Anything unparseable fails open.
func DateMatches(dateStr, dateRange string, now time.Time) bool {
	if !hasFilter(dateRange) {
		return true
	}
	if dateRange == filterToday {
		today := now.Format(dateLayout)
		tomorrow := now.AddDate(0, 0, 1).Format(dateLayout)
		return dateStr == today || dateStr == tomorrow
	}

	d, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		return true
	}

	if start, end, ok := splitRange(dateRange); ok {
		s, serr := time.Parse(dateLayout, start)
		e, eerr := time.Parse(dateLayout, end)
		if serr != nil || eerr != nil {
			return true
		}
		return !d.Before(s) && !d.After(e)
	}

	target, err := time.Parse(dateLayout, strings.TrimSpace(dateRange))
	if err != nil {
		return true
	}
	return d.Equal(target)
}

// TimeMatches reports whether an HH:MM sub-time passes the filter. Accepted
// forms: "HH:MM-HH:MM", "HH:MM-" (at or after), "-HH:MM" (at or before).
func TimeMatches(timeStr, timeRange string) bool {
	if !hasFilter(timeRange) {
		return true
	}

	t, err := time.Parse(timeLayout, strings.TrimSpace(timeStr))
	if err != nil {
		return true
	}

	start, end, ok := splitRange(timeRange)
	if !ok {
		return true
	}

	if start != "" {
		s, err := time.Parse(timeLayout, start)
		if err != nil {
			return true
		}
		if t.Before(s) {
			return false
		}
	}
	if end != "" {
		e, err := time.Parse(timeLayout, end)
		if err != nil {
			return true
		}
		if t.After(e) {
			return false
		}
	}
	return true
}

func hasFilter(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && v != filterNone
}

// splitRange splits "a-b" into its halves, either of which may be empty.
func splitRange(v string) (start, end string, ok bool) {
	i := strings.Index(v, "-")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(v[:i]), strings.TrimSpace(v[i+1:]), true
}
