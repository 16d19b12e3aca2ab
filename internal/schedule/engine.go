package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Engine computes medicine schedules. It holds no mutable state and is safe
// for concurrent use.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// New creates an engine. Zero option fields take their defaults.
func New(opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts.withDefaults(), logger: logger}
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// MedicineSchedule projects one medicine into its dose list at now. The
// medicine is never modified. Only structurally invalid input is an error.
func (e *Engine) MedicineSchedule(ref MedicineRef, m *Medicine, now time.Time) (*MedicineSchedule, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil medicine", ErrInvalidMedicine)
	}
	if strings.TrimSpace(m.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidMedicine)
	}
	ref.Key = resolveKey(ref, m)
	now = now.In(e.opts.Location)

	log := e.logger.With(zap.String("medicine_key", ref.Key))

	rec := ParseRecurrence(m, e.opts, log)
	generated := ExpandDoses(rec, ref, m.Dosage)
	matched, synthetic := Reconcile(generated, m.Adherence, ref, m.Dosage, e.opts, log)

	doses := make([]Dose, 0, len(matched)+len(synthetic))
	for _, d := range matched {
		doses = append(doses, Classify(d, now, e.opts))
	}
	for _, d := range synthetic {
		doses = append(doses, Classify(d, now, e.opts))
	}
	sort.SliceStable(doses, func(i, j int) bool {
		return doses[i].ScheduledTime.Before(doses[j].ScheduledTime)
	})

	timing := make([]string, len(m.Timing))
	copy(timing, m.Timing)

	return &MedicineSchedule{
		Key:            ref.Key,
		Name:           m.Name,
		Dosage:         m.Dosage,
		Frequency:      m.Frequency,
		Duration:       m.Duration,
		FoodTiming:     m.FoodTiming,
		PrescribedDate: m.PrescribedDate,
		Timing:         timing,
		Doses:          doses,
		TotalDoses:     len(doses),
		AdherenceRate:  AdherenceRate(doses, now),
	}, nil
}

// Result is the outcome for one medicine of a batch.
type Result struct {
	Ref      MedicineRef
	Schedule *MedicineSchedule
	Err      error
}

// KeyFunc issues the opaque key for the medicine at index i.
type KeyFunc func(i int, m *Medicine) string

// Schedules computes every medicine of a list. A failing medicine is
// reported in its Result and does not affect the others.
func (e *Engine) Schedules(meds []Medicine, keyFn KeyFunc, now time.Time) []Result {
	results := make([]Result, len(meds))
	for i := range meds {
		m := &meds[i]
		ref := MedicineRef{Index: i}
		if keyFn != nil {
			ref.Key = keyFn(i, m)
		}
		s, err := e.MedicineSchedule(ref, m, now)
		if err != nil {
			e.logger.Warn("medicine schedule failed",
				zap.Int("medicine_index", i),
				zap.String("medicine", m.Name),
				zap.Error(err))
		} else {
			ref.Key = s.Key
		}
		results[i] = Result{Ref: ref, Schedule: s, Err: err}
	}
	return results
}

// LegacyKey is the name-index composite used before medicines carried ids.
func LegacyKey(name string, index int) string {
	return name + "-" + strconv.Itoa(index)
}

func resolveKey(ref MedicineRef, m *Medicine) string {
	switch {
	case ref.Key != "":
		return ref.Key
	case m.ID != "":
		return m.ID
	default:
		return LegacyKey(m.Name, ref.Index)
	}
}
