package export

import (
	"fmt"
	"time"
)

// View is a calendar window around an anchor date.
type View string

const (
	ViewAll     View = ""
	ViewDaily   View = "daily"
	ViewWeekly  View = "weekly"
	ViewMonthly View = "monthly"
)

// Window returns the [from, to) range of view anchored on the calendar day of
// anchor. Daily covers that day, weekly the seven days starting there and
// monthly the anchor's calendar month. ViewAll returns zero times.
func Window(view View, anchor time.Time) (from, to time.Time, err error) {
	y, m, d := anchor.Date()
	loc := anchor.Location()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch view {
	case ViewAll:
		return time.Time{}, time.Time{}, nil
	case ViewDaily:
		return day, day.AddDate(0, 0, 1), nil
	case ViewWeekly:
		return day, day.AddDate(0, 0, 7), nil
	case ViewMonthly:
		first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return first, first.AddDate(0, 1, 0), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unsupported view %q", view)
	}
}
