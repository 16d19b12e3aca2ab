package schedule

import (
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp reads an adherence timestamp. Timestamps without a zone are
// read in loc; zoned ones are converted to loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.In(loc), true
		}
	}
	return time.Time{}, false
}

type match struct {
	record int
	at     time.Time
	diff   time.Duration
}

// Reconcile marks generated doses taken from adherence records. It returns a
// fresh copy of doses and the synthetic doses built from records that match
// no slot. The input slice is not modified.
func Reconcile(doses []Dose, records []AdherenceRecord, ref MedicineRef, dosage string, opts Options, logger *zap.Logger) ([]Dose, []Dose) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()

	out := make([]Dose, len(doses))
	copy(out, doses)

	matches := make(map[int]match)
	var synthetic []Dose

	for ri, rec := range records {
		at, ok := ParseTimestamp(rec.Timestamp, opts.Location)
		if !ok {
			logger.Warn("skipping adherence record with unparsable timestamp",
				zap.String("medicine_key", ref.Key),
				zap.Int("record", ri),
				zap.String("timestamp", rec.Timestamp))
			continue
		}

		best, diff := nearestDose(out, at, opts.MatchTolerance)
		if best < 0 {
			synthetic = append(synthetic, syntheticDose(ref, ri, rec, at, dosage))
			continue
		}

		// Closest record wins a dose; on a tie the later record supersedes.
		if prev, ok := matches[best]; ok && diff > prev.diff {
			logger.Debug("adherence record superseded by a closer one",
				zap.String("dose_id", out[best].ID),
				zap.Int("record", ri))
			continue
		}
		matches[best] = match{record: ri, at: at, diff: diff}
	}

	for i, m := range matches {
		rec := records[m.record]
		out[i].Taken = rec.Taken
		out[i].Recorded = true
		out[i].Notes = rec.Notes
		if rec.Taken {
			at := m.at
			out[i].TakenAt = &at
		}
	}
	return out, synthetic
}

// nearestDose finds the dose on the same calendar day as at, within tol,
// closest in time. Ties go to the earliest scheduled time.
func nearestDose(doses []Dose, at time.Time, tol time.Duration) (int, time.Duration) {
	best := -1
	var bestDiff time.Duration
	for i, d := range doses {
		if !sameDay(d.ScheduledTime, at) {
			continue
		}
		diff := absDuration(at.Sub(d.ScheduledTime))
		if diff > tol {
			continue
		}
		if best < 0 || diff < bestDiff || (diff == bestDiff && d.ScheduledTime.Before(doses[best].ScheduledTime)) {
			best, bestDiff = i, diff
		}
	}
	return best, bestDiff
}

func syntheticDose(ref MedicineRef, index int, rec AdherenceRecord, at time.Time, dosage string) Dose {
	d := Dose{
		ID:            SyntheticDoseID(ref.Key, index),
		MedicineKey:   ref.Key,
		MedicineIndex: ref.Index,
		ScheduledTime: at,
		TimeLabel:     at.Format("15:04"),
		Dosage:        dosage,
		Taken:         rec.Taken,
		Recorded:      true,
		Notes:         rec.Notes,
		Synthetic:     true,
	}
	if rec.Taken {
		d.TakenAt = &at
	}
	return d
}

// AdherenceRate is the percentage of eligible generated doses that were
// taken. A dose is eligible once its time has passed or it has been taken;
// synthetic doses never count.
func AdherenceRate(doses []Dose, now time.Time) int {
	var taken, eligible int
	for _, d := range doses {
		if d.Synthetic {
			continue
		}
		if d.Taken {
			taken++
			eligible++
			continue
		}
		if !d.ScheduledTime.After(now) {
			eligible++
		}
	}
	if eligible == 0 {
		return 0
	}
	return int(math.Round(100 * float64(taken) / float64(eligible)))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
