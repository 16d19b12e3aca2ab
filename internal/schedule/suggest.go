package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timesPattern  = regexp.MustCompile(`\b(\d+)\s*times?\b`)
	hourlyPattern = regexp.MustCompile(`\b(?:every\s+(\d+)\s*(?:hours?|hrs?|h)|(\d+)\s*hourly)\b`)
	wordPatterns  = []struct {
		re *regexp.Regexp
		n  int
	}{
		{regexp.MustCompile(`\b(?:four\s+times|qid|qds)\b`), 4},
		{regexp.MustCompile(`\b(?:thrice|three\s+times|tid|tds)\b`), 3},
		{regexp.MustCompile(`\b(?:twice|two\s+times|bid|bd)\b`), 2},
		{regexp.MustCompile(`\b(?:once|one\s+time|od|qd)\b`), 1},
	}
)

// FoodTiming values.
const (
	FoodBefore = "before"
	FoodAfter  = "after"
	FoodWith   = "with"
)

// TimesPerDay estimates how many doses a day a frequency string asks for:
// "N times", then "every N hours" (24/N), then keywords. Unrecognized text
// means once a day.
func TimesPerDay(frequency string) int {
	f := strings.ToLower(frequency)
	if m := timesPattern.FindStringSubmatch(f); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n <= 24 {
			return n
		}
	}
	if m := hourlyPattern.FindStringSubmatch(f); m != nil {
		hours := m[1]
		if hours == "" {
			hours = m[2]
		}
		if h, err := strconv.Atoi(hours); err == nil && h > 0 && h <= 24 {
			return 24 / h
		}
	}
	for _, w := range wordPatterns {
		if w.re.MatchString(f) {
			return w.n
		}
	}
	return 1
}

// SuggestTiming proposes HH:MM slots for a frequency string.
func SuggestTiming(frequency string) []string {
	n := TimesPerDay(frequency)
	switch n {
	case 1:
		switch periodKeyword(frequency) {
		case "Afternoon":
			return []string{"14:00"}
		case "Evening":
			return []string{"20:00"}
		case "Night":
			return []string{"22:00"}
		}
		return []string{"08:00"}
	case 2:
		return []string{"08:00", "20:00"}
	case 3:
		return []string{"08:00", "14:00", "20:00"}
	case 4:
		return []string{"06:00", "12:00", "18:00", "00:00"}
	}

	timing := make([]string, n)
	for i := range timing {
		timing[i] = fmt.Sprintf("%02d:00", i*24/n)
	}
	return timing
}

// SuggestStart returns the day a new prescription should start: the
// prescription day if the first slot is more than 30 minutes away, else the
// following day.
func SuggestStart(prescribedAt time.Time, timing []string) time.Time {
	day := time.Date(prescribedAt.Year(), prescribedAt.Month(), prescribedAt.Day(), 0, 0, 0, 0, prescribedAt.Location())
	if len(timing) == 0 {
		return day
	}
	hour, minute, err := parseClock(timing[0])
	if err != nil {
		return day
	}
	first := day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
	if first.After(prescribedAt.Add(30 * time.Minute)) {
		return day
	}
	return day.AddDate(0, 0, 1)
}

// FoodTimingFromFrequency extracts a food instruction embedded in a
// frequency string, or "" when there is none.
func FoodTimingFromFrequency(frequency string) string {
	f := strings.ToLower(frequency)
	switch {
	case strings.Contains(f, "before food"), strings.Contains(f, "before meal"), strings.Contains(f, "empty stomach"):
		return FoodBefore
	case strings.Contains(f, "after food"), strings.Contains(f, "after meal"):
		return FoodAfter
	case strings.Contains(f, "with food"), strings.Contains(f, "with meal"):
		return FoodWith
	}
	return ""
}
