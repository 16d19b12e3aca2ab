package schedule

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	clockPattern    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	durationPattern = regexp.MustCompile(`(?i)\b(\d+)\s*(days?|d|weeks?|wks?|w|months?|mos?|m)\b`)
	bareDaysPattern = regexp.MustCompile(`^\d+$`)
)

const dateLayout = "2006-01-02"

// ParseRecurrence converts a medicine's free-text schedule into slots and an
// inclusive day range. It never fails: an empty slot set means "no schedule".
func ParseRecurrence(m *Medicine, opts Options, logger *zap.Logger) Recurrence {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	slots := parseSlots(m, logger)
	if len(slots) == 0 {
		logger.Debug("medicine has no usable timing", zap.String("medicine", m.Name))
		return Recurrence{}
	}

	start, ok := parseDate(m.PrescribedDate, opts.Location)
	if !ok {
		logger.Warn("unparsable prescribed date",
			zap.String("medicine", m.Name),
			zap.String("prescribed_date", m.PrescribedDate))
		return Recurrence{}
	}

	days, ok := parseDuration(m.Duration, start, opts.Location)
	if ok && days > opts.MaxWindowDays {
		logger.Warn("duration exceeds maximum window",
			zap.String("medicine", m.Name),
			zap.String("duration", m.Duration),
			zap.Int("max_days", opts.MaxWindowDays))
		ok = false
	}
	rec := Recurrence{Slots: slots, Start: start}
	if !ok {
		logger.Warn("unparsable duration, using default window",
			zap.String("medicine", m.Name),
			zap.String("duration", m.Duration),
			zap.Int("default_days", opts.DefaultWindowDays))
		days = opts.DefaultWindowDays
		rec.DefaultedDuration = true
	}
	rec.Days = days
	rec.End = start.AddDate(0, 0, days-1)
	return rec
}

func parseSlots(m *Medicine, logger *zap.Logger) []Slot {
	slots := make([]Slot, 0, len(m.Timing))
	for i, raw := range m.Timing {
		hour, minute, err := parseClock(raw)
		if err != nil {
			logger.Warn("skipping malformed timing entry",
				zap.String("medicine", m.Name),
				zap.String("timing", raw),
				zap.Error(err))
			continue
		}
		slots = append(slots, Slot{Index: i, Hour: hour, Minute: minute, Raw: raw})
	}

	sort.SliceStable(slots, func(i, j int) bool { return slots[i].minutes() < slots[j].minutes() })
	labels := slotLabels(len(slots), m.Frequency)
	for i := range slots {
		slots[i].Label = labels[i]
	}
	return slots
}

func parseClock(s string) (hour, minute int, err error) {
	match := clockPattern.FindStringSubmatch(strings.TrimSpace(s))
	if match == nil {
		return 0, 0, fmt.Errorf("not HH:MM: %q", s)
	}
	hour, _ = strconv.Atoi(match[1])
	minute, _ = strconv.Atoi(match[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("out of range: %q", s)
	}
	return hour, minute, nil
}

// slotLabels names n slots in clock order.
func slotLabels(n int, frequency string) []string {
	labels := make([]string, n)
	switch n {
	case 0:
	case 1:
		labels[0] = "Dose 1"
		if kw := periodKeyword(frequency); kw != "" {
			labels[0] = kw
		}
	case 2:
		labels[0], labels[1] = "Morning", "Evening"
	case 3:
		labels[0], labels[1], labels[2] = "Morning", "Afternoon", "Evening"
	default:
		for i := range labels {
			labels[i] = fmt.Sprintf("Dose %d", i+1)
		}
	}
	return labels
}

func periodKeyword(frequency string) string {
	f := strings.ToLower(frequency)
	switch {
	case strings.Contains(f, "morning"):
		return "Morning"
	case strings.Contains(f, "afternoon"):
		return "Afternoon"
	case strings.Contains(f, "evening"):
		return "Evening"
	case strings.Contains(f, "night"), strings.Contains(f, "bedtime"):
		return "Night"
	}
	return ""
}

// parseDate reads the calendar date of s, ignoring any time-of-day part.
func parseDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(dateLayout) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(dateLayout, s[:len(dateLayout)], loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseDuration returns the number of calendar days covered, counting start.
// The first "<n> <unit>" anywhere in s wins; a bare integer means days.
func parseDuration(s string, start time.Time, loc *time.Location) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	if end, ok := parseDate(s, loc); ok && len(s) >= len(dateLayout) && s[4] == '-' {
		if end.Before(start) {
			return 0, false
		}
		return daysBetween(start, end) + 1, true
	}

	var number, unit string
	if match := durationPattern.FindStringSubmatch(s); match != nil {
		number, unit = match[1], strings.ToLower(match[2])
	} else if bareDaysPattern.MatchString(s) {
		number = s
	} else {
		return 0, false
	}
	// Bounded so the unit multiplication below cannot overflow; callers
	// apply the real window limit.
	if len(number) > 6 {
		return math.MaxInt32, true
	}
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return 0, false
	}

	switch {
	case unit == "" || strings.HasPrefix(unit, "d"):
		return n, true
	case strings.HasPrefix(unit, "w"):
		return n * 7, true
	case strings.HasPrefix(unit, "m"):
		return n * 30, true
	}
	return 0, false
}

// daysBetween counts calendar days from a to b, both at 00:00 in the same zone.
func daysBetween(a, b time.Time) int {
	ua := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	ub := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
