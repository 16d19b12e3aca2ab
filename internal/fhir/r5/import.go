package r5

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/medalert/adherence-engine/internal/schedule"
)

// ErrNotSchedulable is returned for a request that no longer produces doses
var ErrNotSchedulable = errors.New("medication request is not schedulable")

// eventSlots maps EventTiming period codes to clock times
var eventSlots = map[string]string{
	"MORN":  "08:00",
	"AFT":   "14:00",
	"EVE":   "20:00",
	"NIGHT": "22:00",
	"HS":    "22:00",
}

// ToMedicine converts the request into a schedulable medicine. Dates are
// rendered in loc; nil means UTC. Missing slot times are filled from the
// frequency the same way new prescriptions are.
func (m *MedicationRequest) ToMedicine(loc *time.Location) (schedule.Medicine, error) {
	if loc == nil {
		loc = time.UTC
	}
	if m.ResourceType != "" && m.ResourceType != "MedicationRequest" {
		return schedule.Medicine{}, fmt.Errorf("%w: unexpected resourceType %q", schedule.ErrInvalidMedicine, m.ResourceType)
	}
	switch m.Status {
	case StatusCancelled, StatusCompleted, StatusEnteredInError, StatusStopped:
		return schedule.Medicine{}, fmt.Errorf("%w: status %s", ErrNotSchedulable, m.Status)
	}

	name := strings.TrimSpace(m.GetMedicationDisplay())
	if name == "" {
		return schedule.Medicine{}, fmt.Errorf("%w: medication has no display name", schedule.ErrInvalidMedicine)
	}

	med := schedule.Medicine{ID: m.ID, Name: name}

	var (
		dosage Dosage
		repeat *TimingRepeat
	)
	if len(m.DosageInstruction) > 0 {
		instructions := append([]Dosage(nil), m.DosageInstruction...)
		sort.SliceStable(instructions, func(i, j int) bool { return instructions[i].Sequence < instructions[j].Sequence })
		dosage = instructions[0]
		if dosage.Timing != nil {
			repeat = dosage.Timing.Repeat
		}
	}

	med.Dosage = doseText(dosage)
	med.Frequency = frequencyText(repeat)
	if med.Frequency == "" && dosage.Timing != nil && dosage.Timing.Code != nil {
		med.Frequency = dosage.Timing.Code.Text
	}
	if med.Frequency == "" {
		med.Frequency = firstNonEmpty(dosage.Text, m.RenderedDosageInstruction)
	}

	med.Timing = slotTimes(repeat)
	if len(med.Timing) == 0 {
		med.Timing = schedule.SuggestTiming(med.Frequency)
	}

	med.FoodTiming = foodTiming(repeat)
	if med.FoodTiming == "" {
		texts := []string{dosage.PatientInstruction, dosage.Text, m.RenderedDosageInstruction}
		for _, ai := range dosage.AdditionalInstruction {
			texts = append(texts, ai.Text)
		}
		med.FoodTiming = schedule.FoodTimingFromFrequency(strings.Join(texts, " "))
	}

	med.Duration = m.durationText(repeat, loc)

	switch {
	case repeat != nil && repeat.BoundsPeriod != nil && repeat.BoundsPeriod.Start != nil:
		med.PrescribedDate = repeat.BoundsPeriod.Start.In(loc).Format("2006-01-02")
	case m.AuthoredOn != nil:
		med.PrescribedDate = m.AuthoredOn.In(loc).Format("2006-01-02")
	}
	return med, nil
}

func doseText(d Dosage) string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			unit := q.Unit
			if unit == "" {
				unit = q.Code
			}
			return strings.TrimSpace(formatNumber(q.Value) + " " + unit)
		}
	}
	return d.Text
}

func frequencyText(r *TimingRepeat) string {
	if r == nil || r.Frequency <= 0 {
		return ""
	}
	period := r.Period
	if period <= 0 {
		period = 1
	}
	unit := r.PeriodUnit
	if unit == "" {
		unit = "d"
	}

	switch unit {
	case "d":
		if period != 1 {
			return fmt.Sprintf("%d times every %s days", r.Frequency, formatNumber(period))
		}
		switch r.Frequency {
		case 1:
			return "Once daily"
		case 2:
			return "Twice daily"
		case 3:
			return "Three times daily"
		case 4:
			return "Four times daily"
		default:
			return fmt.Sprintf("%d times daily", r.Frequency)
		}
	case "h":
		if r.Frequency == 1 {
			return fmt.Sprintf("Every %s hours", formatNumber(period))
		}
		return fmt.Sprintf("%d times every %s hours", r.Frequency, formatNumber(period))
	case "wk":
		return fmt.Sprintf("%d times weekly", r.Frequency)
	}
	return ""
}

// slotTimes returns explicit times of day, else times implied by period
// EventTiming codes, as sorted HH:MM strings.
func slotTimes(r *TimingRepeat) []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range r.TimeOfDay {
		// FHIR time is HH:MM:SS
		if len(t) >= 5 && t[2] == ':' {
			add(t[:5])
		}
	}
	if len(out) == 0 {
		for _, code := range r.When {
			if t, ok := eventSlots[strings.ToUpper(code)]; ok {
				add(t)
			}
		}
	}
	sort.Strings(out)
	return out
}

func foodTiming(r *TimingRepeat) string {
	if r == nil {
		return ""
	}
	for _, code := range r.When {
		switch strings.ToUpper(code) {
		case "AC", "ACM", "ACD", "ACV":
			return schedule.FoodBefore
		case "PC", "PCM", "PCD", "PCV":
			return schedule.FoodAfter
		case "C", "CM", "CD", "CV":
			return schedule.FoodWith
		}
	}
	return ""
}

func (m *MedicationRequest) durationText(r *TimingRepeat, loc *time.Location) string {
	if r != nil {
		if d := r.BoundsDuration; d != nil && d.Value > 0 {
			if s := durationWithUnit(d.Value, firstNonEmpty(d.Code, d.Unit)); s != "" {
				return s
			}
		}
		if p := r.BoundsPeriod; p != nil && p.End != nil {
			return p.End.In(loc).Format("2006-01-02")
		}
		if r.Count > 0 && r.Frequency > 0 && (r.PeriodUnit == "" || r.PeriodUnit == "d") && (r.Period == 0 || r.Period == 1) {
			days := int(math.Ceil(float64(r.Count) / float64(r.Frequency)))
			return strconv.Itoa(days) + " days"
		}
	}
	if m.DispenseRequest != nil {
		if d := m.DispenseRequest.ExpectedSupplyDuration; d != nil && d.Value > 0 {
			return durationWithUnit(d.Value, firstNonEmpty(d.Code, d.Unit, "d"))
		}
	}
	return ""
}

func durationWithUnit(value float64, unit string) string {
	n := int(math.Round(value))
	if n <= 0 {
		return ""
	}
	switch strings.ToLower(unit) {
	case "d", "day", "days":
		return fmt.Sprintf("%d days", n)
	case "wk", "week", "weeks":
		return fmt.Sprintf("%d weeks", n)
	case "mo", "month", "months":
		return fmt.Sprintf("%d months", n)
	}
	return ""
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
