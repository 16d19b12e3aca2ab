package schedule

import (
	"fmt"
	"sort"
	"time"
)

// ExpandDoses produces one dose per (day, slot) of the recurrence. Status
// fields are left unset. Within a day slots are emitted in clock order, so
// the result is ordered by scheduled time.
func ExpandDoses(rec Recurrence, ref MedicineRef, dosage string) []Dose {
	if rec.Empty() {
		return nil
	}

	ordered := make([]Slot, len(rec.Slots))
	copy(ordered, rec.Slots)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].minutes() < ordered[j].minutes()
	})

	loc := rec.Start.Location()
	doses := make([]Dose, 0, rec.Days*len(ordered))
	for day := 0; day < rec.Days; day++ {
		date := rec.Start.AddDate(0, 0, day)
		for _, slot := range ordered {
			doses = append(doses, Dose{
				ID:            DoseID(ref.Key, day, slot.Index),
				MedicineKey:   ref.Key,
				MedicineIndex: ref.Index,
				ScheduledTime: time.Date(date.Year(), date.Month(), date.Day(), slot.Hour, slot.Minute, 0, 0, loc),
				TimeLabel:     slot.Label,
				Dosage:        dosage,
			})
		}
	}
	return doses
}

// DoseID is the stable identifier of a generated dose.
func DoseID(key string, day, slot int) string {
	return fmt.Sprintf("%s-%d-%d", key, day, slot)
}

// SyntheticDoseID identifies a dose built from an unmatched adherence record.
func SyntheticDoseID(key string, record int) string {
	return fmt.Sprintf("%s%s-%d", SyntheticPrefix, key, record)
}

// SyntheticPrefix marks doses that exist only because of an adherence record.
const SyntheticPrefix = "adherence-"
