package schedule

import (
	"math"
	"sort"
	"time"
)

// DayGroup collects the doses of all medicines that fall on one calendar day.
type DayGroup struct {
	Date  time.Time `json:"date"`
	Doses []Dose    `json:"doses"`
}

// GroupByDay buckets doses by calendar day in loc. Groups are ordered by
// date and each group's doses by scheduled time.
func GroupByDay(schedules []*MedicineSchedule, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.Local
	}
	byDay := make(map[time.Time][]Dose)
	for _, s := range schedules {
		if s == nil {
			continue
		}
		for _, d := range s.Doses {
			t := d.ScheduledTime.In(loc)
			day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			byDay[day] = append(byDay[day], d)
		}
	}

	groups := make([]DayGroup, 0, len(byDay))
	for day, doses := range byDay {
		sort.SliceStable(doses, func(i, j int) bool {
			if doses[i].ScheduledTime.Equal(doses[j].ScheduledTime) {
				return doses[i].ID < doses[j].ID
			}
			return doses[i].ScheduledTime.Before(doses[j].ScheduledTime)
		})
		groups = append(groups, DayGroup{Date: day, Doses: doses})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Date.Before(groups[j].Date) })
	return groups
}

// MedicineInsight is the adherence tally of one medicine.
type MedicineInsight struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	Taken         int    `json:"taken"`
	Missed        int    `json:"missed"`
	Total         int    `json:"total"`
	AdherenceRate int    `json:"adherenceRate"`
}

// Summary is the dashboard view of a patient's schedules at a point in time.
type Summary struct {
	TodayTaken     int               `json:"todayTaken"`
	TodayMissed    int               `json:"todayMissed"`
	TodayRemaining int               `json:"todayRemaining"`
	Overdue        int               `json:"overdue"`
	OverallRate    int               `json:"overallAdherenceRate"`
	Medicines      []MedicineInsight `json:"medicineInsights"`
}

// Summarize tallies schedules at now. A dose counts as missed once it is
// overdue, or when it was recorded as not taken.
// Synthetic doses are left out of the per-medicine insight and overall rate.
func Summarize(schedules []*MedicineSchedule, now time.Time) Summary {
	var (
		sum                 Summary
		allTaken, allMissed int
	)
	ny, nm, nd := now.Date()
	for _, s := range schedules {
		if s == nil {
			continue
		}
		insight := MedicineInsight{Key: s.Key, Name: s.Name, AdherenceRate: s.AdherenceRate}
		for _, d := range s.Doses {
			missed := isMissed(d)
			if !d.Synthetic {
				insight.Total++
				switch {
				case d.Taken:
					insight.Taken++
				case missed:
					insight.Missed++
				}
			}
			if d.IsOverdue {
				sum.Overdue++
			}

			dy, dm, dd := d.ScheduledTime.In(now.Location()).Date()
			if dy != ny || dm != nm || dd != nd {
				continue
			}
			switch {
			case d.Taken:
				sum.TodayTaken++
			case missed:
				sum.TodayMissed++
			case !d.Synthetic:
				sum.TodayRemaining++
			}
		}
		allTaken += insight.Taken
		allMissed += insight.Missed
		sum.Medicines = append(sum.Medicines, insight)
	}
	if allTaken+allMissed > 0 {
		sum.OverallRate = int(math.Round(100 * float64(allTaken) / float64(allTaken+allMissed)))
	}
	return sum
}

func isMissed(d Dose) bool {
	return !d.Taken && (d.IsOverdue || d.Recorded)
}
